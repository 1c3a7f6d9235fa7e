// Command schemactl inspects and maintains the schema snapshots and the
// live schema of a database managed by schemakeeper.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/cli"
)

// RunOptions redirects the command's streams.
type RunOptions struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func main() {
	os.Exit(Run(os.Args[1:], nil))
}

// Run executes the command line args and returns the exit code.
func Run(args []string, runOpts *RunOptions) int {
	if runOpts == nil {
		runOpts = &RunOptions{}
	}
	if runOpts.Stdin == nil {
		runOpts.Stdin = os.Stdin
	}
	if runOpts.Stdout == nil {
		runOpts.Stdout = os.Stdout
	}
	if runOpts.Stderr == nil {
		runOpts.Stderr = os.Stderr
	}

	ui := &cli.ColoredUi{
		ErrorColor: cli.UiColorRed,
		WarnColor:  cli.UiColorYellow,
		Ui: &cli.BasicUi{
			Reader:      bufio.NewReader(runOpts.Stdin),
			Writer:      runOpts.Stdout,
			ErrorWriter: runOpts.Stderr,
		},
	}

	c := &cli.CLI{
		Name:       "schemactl",
		Args:       args,
		Commands:   commands(ui),
		HelpFunc:   cli.BasicHelpFunc("schemactl"),
		HelpWriter: runOpts.Stderr,
	}

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(runOpts.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}
	return exitCode
}

func commands(ui cli.Ui) map[string]cli.CommandFactory {
	base := func() *baseCommand {
		return &baseCommand{ui: ui}
	}
	return map[string]cli.CommandFactory{
		"versions": func() (cli.Command, error) {
			return &VersionsCommand{baseCommand: base()}, nil
		},
		"show": func() (cli.Command, error) {
			return &ShowCommand{baseCommand: base()}, nil
		},
		"status": func() (cli.Command, error) {
			return &StatusCommand{baseCommand: base()}, nil
		},
		"export": func() (cli.Command, error) {
			return &ExportCommand{baseCommand: base()}, nil
		},
		"verify": func() (cli.Command, error) {
			return &VerifyCommand{baseCommand: base()}, nil
		},
		"diff": func() (cli.Command, error) {
			return &DiffCommand{baseCommand: base()}, nil
		},
	}
}

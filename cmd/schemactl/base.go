package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/database"
	"github.com/rzpsarthak13/schemakeeper/internal/store"
	"github.com/rzpsarthak13/schemakeeper/pkg/schemakeeper"
)

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitMismatch = 2
)

// EnvConfigFile names the config file when -config is not given.
const EnvConfigFile = "SCHEMAKEEPER_CONFIG"

// baseCommand carries the flags and helpers shared by every command.
type baseCommand struct {
	ui         cli.Ui
	flagConfig string
	flagFormat string
}

// flagSet returns a flag set with the common flags registered.
func (b *baseCommand) flagSet(name string) *flag.FlagSet {
	f := flag.NewFlagSet(name, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	f.StringVar(&b.flagConfig, "config", os.Getenv(EnvConfigFile),
		"Path to a YAML or JSON configuration file. SCHEMAKEEPER_* variables override it.")
	f.StringVar(&b.flagFormat, "format", "table", `Output format: "table" or "json".`)
	return f
}

// parse parses args, reporting problems through the UI.
func (b *baseCommand) parse(f *flag.FlagSet, args []string) bool {
	if err := f.Parse(args); err != nil {
		b.ui.Error(err.Error())
		return false
	}
	switch b.flagFormat {
	case "table", "json":
	default:
		b.ui.Error(fmt.Sprintf("Invalid output format: %s", b.flagFormat))
		return false
	}
	return true
}

func (b *baseCommand) context() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (b *baseCommand) loadConfig() (*config.Config, error) {
	return schemakeeper.LoadConfig(b.flagConfig)
}

func (b *baseCommand) logger(cfg *config.Config) hclog.Logger {
	return cfg.Logging.NewLogger("schemactl")
}

// openStore opens the configured snapshot store.
func (b *baseCommand) openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	s, err := store.Open(ctx, cfg, b.logger(cfg).Named("snapshots"))
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	return s, nil
}

// openDatabase opens the configured database.
func (b *baseCommand) openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	return database.Open(ctx, cfg.Database, database.WithLogger(b.logger(cfg).Named("database")))
}

// printJSON writes v as indented JSON.
func (b *baseCommand) printJSON(v interface{}) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		b.ui.Error(fmt.Sprintf("Error formatting output: %s", err))
		return exitError
	}
	b.ui.Output(string(data))
	return exitOK
}

// fail reports err and returns the error exit code.
func (b *baseCommand) fail(prefix string, err error) int {
	b.ui.Error(fmt.Sprintf("%s: %s", prefix, err))
	return exitError
}

// usage renders a help text followed by the flag defaults of f.
func usage(text string, f *flag.FlagSet) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(text))
	sb.WriteString("\n\nOptions:\n\n")
	f.SetOutput(&sb)
	f.PrintDefaults()
	f.SetOutput(io.Discard)
	return sb.String()
}

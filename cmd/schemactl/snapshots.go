package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/mitchellh/cli"

	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
)

var (
	_ cli.Command = (*VersionsCommand)(nil)
	_ cli.Command = (*ShowCommand)(nil)
	_ cli.Command = (*DiffCommand)(nil)
)

// VersionsCommand lists the stored snapshot versions.
type VersionsCommand struct {
	*baseCommand
}

func (c *VersionsCommand) Synopsis() string {
	return "List the schema versions with a stored snapshot"
}

func (c *VersionsCommand) Help() string {
	return usage(`
Usage: schemactl versions [options]

  Lists every version held by the configured snapshot store, oldest first.
`, c.flagSet("versions"))
}

func (c *VersionsCommand) Run(args []string) int {
	f := c.flagSet("versions")
	if !c.parse(f, args) {
		return exitError
	}
	ctx, cancel := c.context()
	defer cancel()

	cfg, err := c.loadConfig()
	if err != nil {
		return c.fail("Error loading configuration", err)
	}
	s, err := c.openStore(ctx, cfg)
	if err != nil {
		return c.fail("Error opening snapshot store", err)
	}
	defer s.Close()

	versions, err := s.AllVersions(ctx)
	if err != nil {
		return c.fail("Error listing versions", err)
	}
	if c.flagFormat == "json" {
		return c.printJSON(versions)
	}
	if len(versions) == 0 {
		c.ui.Output("No snapshots stored.")
		return exitOK
	}
	for _, v := range versions {
		c.ui.Output(fmt.Sprintf("%d", v))
	}
	return exitOK
}

// ShowCommand prints one stored snapshot.
type ShowCommand struct {
	*baseCommand
	flagVersion int
}

func (c *ShowCommand) Synopsis() string {
	return "Print the snapshot of a schema version"
}

func (c *ShowCommand) flags() *flag.FlagSet {
	f := c.flagSet("show")
	f.IntVar(&c.flagVersion, "version", 0, "The version to print. Defaults to the latest stored version.")
	return f
}

func (c *ShowCommand) Help() string {
	return usage(`
Usage: schemactl show [options]

  Prints the entities of a stored snapshot. With -format json the stored
  document is printed as is.
`, c.flags())
}

func (c *ShowCommand) Run(args []string) int {
	f := c.flags()
	if !c.parse(f, args) {
		return exitError
	}
	ctx, cancel := c.context()
	defer cancel()

	cfg, err := c.loadConfig()
	if err != nil {
		return c.fail("Error loading configuration", err)
	}
	s, err := c.openStore(ctx, cfg)
	if err != nil {
		return c.fail("Error opening snapshot store", err)
	}
	defer s.Close()

	var snap *snapshot.Snapshot
	if c.flagVersion > 0 {
		snap, err = s.Load(ctx, c.flagVersion)
	} else {
		snap, err = s.Latest(ctx)
	}
	if err != nil {
		return c.fail("Error loading snapshot", err)
	}

	if c.flagFormat == "json" {
		data, err := snapshot.Marshal(snap)
		if err != nil {
			return c.fail("Error encoding snapshot", err)
		}
		return c.printJSON(json.RawMessage(data))
	}
	c.ui.Output(renderSnapshot(snap))
	return exitOK
}

// renderSnapshot lists the entities of snap, one per line.
func renderSnapshot(snap *snapshot.Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Version: %d\n\n", snap.Version())
	tw := tabwriter.NewWriter(&sb, 0, 2, 3, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAME\tDETAIL")
	for _, e := range snap.Entities() {
		var detail string
		switch v := e.(type) {
		case snapshot.Table:
			cols := make([]string, len(v.Columns))
			for i, col := range v.Columns {
				cols[i] = fmt.Sprintf("%s %s", col.Name, col.Type)
			}
			detail = strings.Join(cols, ", ")
		case snapshot.Index:
			detail = fmt.Sprintf("on %s (%s)", v.Table, strings.Join(v.Columns, ", "))
		case snapshot.Trigger:
			detail = "on " + v.Table
		case snapshot.View:
			detail = snapshot.NormalizeSQL(v.Query)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Kind(), e.EntityName(), detail)
	}
	tw.Flush()
	return strings.TrimRight(sb.String(), "\n")
}

// DiffCommand compares two stored snapshots.
type DiffCommand struct {
	*baseCommand
	flagFrom int
	flagTo   int
}

func (c *DiffCommand) Synopsis() string {
	return "Show what changed between two schema versions"
}

func (c *DiffCommand) flags() *flag.FlagSet {
	f := c.flagSet("diff")
	f.IntVar(&c.flagFrom, "from", 0, "The older version.")
	f.IntVar(&c.flagTo, "to", 0, "The newer version.")
	return f
}

func (c *DiffCommand) Help() string {
	return usage(`
Usage: schemactl diff -from <version> -to <version> [options]

  Prints the entity level difference between two stored snapshots. Use it
  to plan the migration step between the versions.
`, c.flags())
}

func (c *DiffCommand) Run(args []string) int {
	f := c.flags()
	if !c.parse(f, args) {
		return exitError
	}
	if c.flagFrom < 1 || c.flagTo < 1 {
		c.ui.Error("Both -from and -to are required")
		return exitError
	}
	ctx, cancel := c.context()
	defer cancel()

	cfg, err := c.loadConfig()
	if err != nil {
		return c.fail("Error loading configuration", err)
	}
	s, err := c.openStore(ctx, cfg)
	if err != nil {
		return c.fail("Error opening snapshot store", err)
	}
	defer s.Close()

	from, err := s.Load(ctx, c.flagFrom)
	if err != nil {
		return c.fail("Error loading snapshot", err)
	}
	to, err := s.Load(ctx, c.flagTo)
	if err != nil {
		return c.fail("Error loading snapshot", err)
	}

	diff := from.Diff(to)
	if c.flagFormat == "json" {
		return c.printJSON(map[string]interface{}{
			"from":      c.flagFrom,
			"to":        c.flagTo,
			"identical": diff == "",
			"diff":      diff,
		})
	}
	if diff == "" {
		c.ui.Output(fmt.Sprintf("Versions %d and %d have the same schema.", c.flagFrom, c.flagTo))
		return exitOK
	}
	c.ui.Output(fmt.Sprintf("Changes from version %d to %d (-from +to):\n%s", c.flagFrom, c.flagTo, diff))
	return exitOK
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mitchellh/cli"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/dialect"
	"github.com/rzpsarthak13/schemakeeper/internal/events"
	"github.com/rzpsarthak13/schemakeeper/internal/verifier"
)

var (
	_ cli.Command = (*StatusCommand)(nil)
	_ cli.Command = (*ExportCommand)(nil)
	_ cli.Command = (*VerifyCommand)(nil)
)

// StatusCommand reports the recorded version of the database against the
// stored snapshots, with the latest migration events.
type StatusCommand struct {
	*baseCommand
	flagHistory int
}

func (c *StatusCommand) Synopsis() string {
	return "Show the database's schema version and recent migrations"
}

func (c *StatusCommand) flags() *flag.FlagSet {
	f := c.flagSet("status")
	f.IntVar(&c.flagHistory, "history", 10, "Number of recorded migration events to show. 0 hides them.")
	return f
}

func (c *StatusCommand) Help() string {
	return usage(`
Usage: schemactl status [options]

  Prints the schema version recorded in the database, the latest stored
  snapshot version and, when events are recorded, the latest migration
  events.
`, c.flags())
}

type statusOutput struct {
	Database       string        `json:"database"`
	Dialect        string        `json:"dialect"`
	Version        int           `json:"version"`
	LatestSnapshot int           `json:"latest_snapshot"`
	State          string        `json:"state"`
	History        []*core.Event `json:"history,omitempty"`
}

func (c *StatusCommand) Run(args []string) int {
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
	db, err := c.openDatabase(ctx, cfg)
	if err != nil {
		return c.fail("Error opening database", err)
	}
	defer db.Close()
	s, err := c.openStore(ctx, cfg)
	if err != nil {
		return c.fail("Error opening snapshot store", err)
	}
	defer s.Close()

	d, err := dialect.For(db)
	if err != nil {
		return c.fail("Error resolving dialect", err)
	}
	version, err := d.ReadVersion(ctx, db)
	if err != nil {
		return c.fail("Error reading schema version", err)
	}

	out := statusOutput{Database: cfg.Name, Dialect: d.Name(), Version: version}
	latest, err := s.Latest(ctx)
	switch {
	case err == nil:
		out.LatestSnapshot = latest.Version()
	case errors.Is(err, core.ErrNotFound):
	default:
		return c.fail("Error loading latest snapshot", err)
	}
	out.State = state(version, out.LatestSnapshot)

	if c.flagHistory > 0 {
		out.History, err = events.History(ctx, db, c.flagHistory)
		if err != nil {
			return c.fail("Error reading migration history", err)
		}
	}

	if c.flagFormat == "json" {
		return c.printJSON(out)
	}

	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 2, 3, ' ', 0)
	fmt.Fprintf(tw, "Database:\t%s (%s)\n", out.Database, out.Dialect)
	fmt.Fprintf(tw, "Schema version:\t%d\n", out.Version)
	fmt.Fprintf(tw, "Latest snapshot:\t%d\n", out.LatestSnapshot)
	fmt.Fprintf(tw, "State:\t%s\n", out.State)
	tw.Flush()
	if len(out.History) > 0 {
		sb.WriteString("\nRecent events:\n")
		tw = tabwriter.NewWriter(&sb, 0, 2, 3, ' ', 0)
		fmt.Fprintln(tw, "  TIME\tTYPE\tFROM\tTO\tSTEP\tERROR")
		for _, e := range out.History {
			fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\t%s\t%s\n",
				e.Timestamp.Format(time.RFC3339), e.Type, e.FromVersion, e.ToVersion, e.Step, e.Error)
		}
		tw.Flush()
	}
	c.ui.Output(strings.TrimRight(sb.String(), "\n"))
	return exitOK
}

func state(version, latest int) string {
	switch {
	case version == 0:
		return "empty"
	case latest == 0:
		return "no snapshots stored"
	case version < latest:
		return fmt.Sprintf("behind by %d version(s)", latest-version)
	case version > latest:
		return "newer than every stored snapshot"
	default:
		return "current"
	}
}

// ExportCommand records the live schema as a snapshot.
type ExportCommand struct {
	*baseCommand
	flagVersion int
}

func (c *ExportCommand) Synopsis() string {
	return "Save the live schema as the snapshot of a version"
}

func (c *ExportCommand) flags() *flag.FlagSet {
	f := c.flagSet("export")
	f.IntVar(&c.flagVersion, "version", 0, "The version to save the snapshot as. Defaults to the version recorded in the database.")
	return f
}

func (c *ExportCommand) Help() string {
	return usage(`
Usage: schemactl export [options]

  Introspects the live database and saves its schema in the snapshot
  store. Exporting an identical schema again is a no-op; a different
  schema for a stored version is rejected.
`, c.flags())
}

func (c *ExportCommand) Run(args []string) int {
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
	db, err := c.openDatabase(ctx, cfg)
	if err != nil {
		return c.fail("Error opening database", err)
	}
	defer db.Close()
	s, err := c.openStore(ctx, cfg)
	if err != nil {
		return c.fail("Error opening snapshot store", err)
	}
	defer s.Close()

	live, err := verifier.IntrospectLive(ctx, db)
	if err != nil {
		return c.fail("Error reading live schema", err)
	}
	version := c.flagVersion
	if version == 0 {
		version = live.Version()
	}
	if version < 1 {
		c.ui.Error("The database records no schema version; pass -version")
		return exitError
	}
	snap := live.WithVersion(version)
	if err := s.Save(ctx, version, snap); err != nil {
		return c.fail("Error saving snapshot", err)
	}

	if c.flagFormat == "json" {
		return c.printJSON(map[string]interface{}{"version": version, "entities": len(snap.Entities())})
	}
	c.ui.Output(fmt.Sprintf("Saved snapshot of version %d (%d entities).", version, len(snap.Entities())))
	return exitOK
}

// VerifyCommand compares the live schema with a stored snapshot.
type VerifyCommand struct {
	*baseCommand
	flagVersion     int
	flagStrictOrder bool
}

func (c *VerifyCommand) Synopsis() string {
	return "Check the live schema against a stored snapshot"
}

func (c *VerifyCommand) flags() *flag.FlagSet {
	f := c.flagSet("verify")
	f.IntVar(&c.flagVersion, "version", 0, "The version to verify against. Defaults to the version recorded in the database.")
	f.BoolVar(&c.flagStrictOrder, "strict-column-order", false, "Report column order differences as discrepancies.")
	return f
}

func (c *VerifyCommand) Help() string {
	return usage(`
Usage: schemactl verify [options]

  Builds the stored snapshot in a scratch database and compares it with the
  live schema. Exits with status 2 when they differ.
`, c.flags())
}

func (c *VerifyCommand) Run(args []string) int {
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
	db, err := c.openDatabase(ctx, cfg)
	if err != nil {
		return c.fail("Error opening database", err)
	}
	defer db.Close()
	s, err := c.openStore(ctx, cfg)
	if err != nil {
		return c.fail("Error opening snapshot store", err)
	}
	defer s.Close()

	version := c.flagVersion
	if version == 0 {
		d, err := dialect.For(db)
		if err != nil {
			return c.fail("Error resolving dialect", err)
		}
		if version, err = d.ReadVersion(ctx, db); err != nil {
			return c.fail("Error reading schema version", err)
		}
	}
	if version < 1 {
		c.ui.Error("The database records no schema version; pass -version")
		return exitError
	}

	result, err := verifier.Validate(ctx, db, s, version,
		verifier.WithStrictOrder(c.flagStrictOrder || cfg.Migration.StrictColumnOrder),
		verifier.WithLogger(c.logger(cfg).Named("verifier")))
	if err != nil && !errors.Is(err, core.ErrSchemaMismatch) {
		return c.fail("Error verifying schema", err)
	}

	code := exitOK
	if !result.OK() {
		code = exitMismatch
	}
	if c.flagFormat == "json" {
		if ret := c.printJSON(result); ret != exitOK {
			return ret
		}
		return code
	}
	if result.OK() {
		c.ui.Output(fmt.Sprintf("Live schema matches version %d.", version))
	} else {
		c.ui.Error(fmt.Sprintf("Live schema does not match version %d:\n%s", version, result.String()))
	}
	for _, n := range result.Notes {
		c.ui.Warn("note: " + n.String())
	}
	return code
}

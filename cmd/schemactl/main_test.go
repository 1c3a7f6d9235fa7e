package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/database"
	"github.com/rzpsarthak13/schemakeeper/internal/migrator"
	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
)

type testEnv struct {
	configPath string
	dbPath     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		configPath: filepath.Join(dir, "schemakeeper.yaml"),
		dbPath:     filepath.Join(dir, "todo.db"),
	}
	yaml := fmt.Sprintf(`name: todo
database:
  type: sqlite
  path: %s
snapshots:
  type: file
  dir: %s
logging:
  level: error
`, env.dbPath, filepath.Join(dir, "schemas"))
	require.NoError(t, os.WriteFile(env.configPath, []byte(yaml), 0o600))
	return env
}

// exec runs statements against the database and records version.
func (e *testEnv) exec(t *testing.T, version int, statements ...string) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{Type: "sqlite", Path: e.dbPath})
	require.NoError(t, err)
	defer db.Close()
	for _, s := range statements {
		_, err := db.Exec(ctx, s)
		require.NoError(t, err)
	}
	_, err = db.Exec(ctx, fmt.Sprintf("PRAGMA user_version = %d", version))
	require.NoError(t, err)
}

func (e *testEnv) create(t *testing.T, snap *snapshot.Snapshot) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{Type: "sqlite", Path: e.dbPath})
	require.NoError(t, err)
	defer db.Close()
	m, err := migrator.New(db)
	require.NoError(t, err)
	require.NoError(t, m.CreateAll(ctx, snap))
}

func (e *testEnv) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append(args, "-config", e.configPath), &RunOptions{
		Stdin:  &bytes.Buffer{},
		Stdout: &stdout,
		Stderr: &stderr,
	})
	return code, stdout.String(), stderr.String()
}

func todosV1() *snapshot.Snapshot {
	return snapshot.MustNew(1, snapshot.Table{
		Name: "todos",
		Columns: []snapshot.Column{
			{Name: "id", Type: snapshot.TypeInt, PrimaryKey: true},
			{Name: "title", Type: snapshot.TypeText},
		},
	})
}

func TestSchemactl_ExportShowVerify(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, todosV1())
	env.exec(t, 1)

	code, out, errOut := env.run(t, "export")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "Saved snapshot of version 1")

	// Exporting the same schema again is a no-op.
	code, _, errOut = env.run(t, "export")
	require.Equal(t, exitOK, code, errOut)

	code, out, _ = env.run(t, "versions", "-format", "json")
	require.Equal(t, exitOK, code)
	var versions []int
	require.NoError(t, json.Unmarshal([]byte(out), &versions))
	assert.Equal(t, []int{1}, versions)

	code, out, _ = env.run(t, "show", "-version", "1")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Version: 1")
	assert.Contains(t, out, "todos")
	assert.Contains(t, out, "title text")

	code, out, errOut = env.run(t, "verify")
	assert.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "matches version 1")

	code, out, _ = env.run(t, "status", "-history", "0")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "current")
}

func TestSchemactl_DiffAndMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, todosV1())
	env.exec(t, 1)
	code, _, errOut := env.run(t, "export")
	require.Equal(t, exitOK, code, errOut)

	env.exec(t, 2, "ALTER TABLE todos ADD COLUMN priority INTEGER NOT NULL DEFAULT 0")
	code, _, errOut = env.run(t, "export")
	require.Equal(t, exitOK, code, errOut)

	code, out, _ := env.run(t, "diff", "-from", "1", "-to", "2")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "priority")

	code, out, _ = env.run(t, "diff", "-from", "2", "-to", "2", "-format", "json")
	require.Equal(t, exitOK, code)
	var diff struct {
		Identical bool `json:"identical"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &diff))
	assert.True(t, diff.Identical)

	code, _, errOut = env.run(t, "verify", "-version", "1")
	assert.Equal(t, exitMismatch, code)
	assert.Contains(t, errOut, "priority")

	// A different schema cannot replace a stored version.
	code, _, errOut = env.run(t, "export", "-version", "1")
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "Error saving snapshot")
}

func TestSchemactl_Errors(t *testing.T) {
	env := newTestEnv(t)

	code, _, errOut := env.run(t, "versions", "-format", "xml")
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "Invalid output format")

	code, _, errOut = env.run(t, "diff", "-from", "1")
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "-from and -to")

	code, _, errOut = env.run(t, "show", "-version", "7")
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "Error loading snapshot")

	code, out, _ := env.run(t, "status", "-history", "0")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "empty")
}

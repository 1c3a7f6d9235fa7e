package migrator

import (
	"fmt"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// OpKind names a primitive schema operation.
type OpKind string

const (
	OpCreateTable   OpKind = "create_table"
	OpDropTable     OpKind = "drop_table"
	OpRenameTable   OpKind = "rename_table"
	OpAddColumn     OpKind = "add_column"
	OpDropColumn    OpKind = "drop_column"
	OpAlterTable    OpKind = "alter_table"
	OpCopyRows      OpKind = "copy_rows"
	OpReplaceTable  OpKind = "replace_table"
	OpCreateIndex   OpKind = "create_index"
	OpDropIndex     OpKind = "drop_index"
	OpCreateView    OpKind = "create_view"
	OpDropView      OpKind = "drop_view"
	OpCreateTrigger OpKind = "create_trigger"
	OpDropTrigger   OpKind = "drop_trigger"
	OpExec          OpKind = "exec"

	// Reported by the engine for step bodies, the create-all path and
	// version writes.
	OpStep         OpKind = "step"
	OpCreateAll    OpKind = "create_all"
	OpWriteVersion OpKind = "write_version"
)

// Operation describes one statement issued by the migrator.
type Operation struct {
	Kind      OpKind
	Target    string
	Statement string
}

func (o Operation) String() string {
	if o.Target == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s %s", o.Kind, o.Target)
}

// MigrationFailedError reports the operation that failed and why.
type MigrationFailedError struct {
	Op  Operation
	Err error
}

func (e *MigrationFailedError) Error() string {
	if e.Op.Statement != "" {
		return fmt.Sprintf("migration failed at %s (%s): %v", e.Op, e.Op.Statement, e.Err)
	}
	return fmt.Sprintf("migration failed at %s: %v", e.Op, e.Err)
}

// Is matches core.ErrMigrationFailed.
func (e *MigrationFailedError) Is(target error) bool {
	return target == core.ErrMigrationFailed
}

func (e *MigrationFailedError) Unwrap() error {
	return e.Err
}

// Failed wraps err as the failure of op. Errors that already report a
// failed operation are returned unchanged.
func Failed(op Operation, err error) error {
	if _, ok := err.(*MigrationFailedError); ok {
		return err
	}
	return &MigrationFailedError{Op: op, Err: err}
}

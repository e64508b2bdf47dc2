package toolserver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/atriumhq/atrium/pkg/caller"
)

// sessionVars is the caller bundle exposed to row-level policies. The
// third set_config argument is true, making every var transaction-local:
// commit or rollback clears it, so pooled connections never carry a
// previous caller into the next query.
var sessionVars = []struct {
	name  string
	value func(caller.Context) string
}{
	{"app.user_id", func(c caller.Context) string { return c.UserID }},
	{"app.roles", func(c caller.Context) string { return strings.Join(c.Roles, ",") }},
	{"app.email", func(c caller.Context) string { return c.Email }},
	{"app.department", func(c caller.Context) string { return c.Department }},
}

// WithCallerTx runs fn inside a transaction whose session variables carry
// the caller's identity. All four vars are always set, empty values
// included, so a query never observes a partial bundle.
func WithCallerTx(ctx context.Context, db *sql.DB, cc caller.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	for _, v := range sessionVars {
		if _, err := tx.ExecContext(ctx, "SELECT set_config($1, $2, true)", v.name, v.value(cc)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set %s: %w", v.name, err)
		}
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

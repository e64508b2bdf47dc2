// Package hr hosts the HR domain tools over a Postgres employee directory.
package hr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/toolserver"
	"github.com/atriumhq/atrium/pkg/caller"
	"github.com/atriumhq/atrium/pkg/cursor"
)

// ErrNotFound reports an employee id with no matching row.
var ErrNotFound = errors.New("hr: employee not found")

// listOrder is the total ordering for employee listings; id breaks ties
// between namesakes.
var listOrder = []cursor.Column{
	{Name: "last_name"},
	{Name: "first_name"},
	{Name: "id"},
}

// Employee is one directory row in its wire form. Salary, GovID, and Phone
// are subject to field redaction, so callers may see the masked literal in
// their place.
type Employee struct {
	ID         string    `json:"id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	Email      string    `json:"email"`
	Department string    `json:"department"`
	Title      string    `json:"title"`
	Salary     float64   `json:"salary"`
	GovID      string    `json:"gov_id"`
	Phone      string    `json:"phone"`
	HiredAt    time.Time `json:"hired_at"`
}

const employeeColumns = "id, first_name, last_name, email, department, title, salary, gov_id, phone, hired_at"

// Store runs HR queries against Postgres. Every query goes through
// WithCallerTx so row-level policies see the caller's identity.
type Store struct {
	db *sql.DB
}

// Open connects to the directory database.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("hr: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle. Tests use it with a mock driver.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// ListEmployees returns up to limit+1 rows past the cursor position so the
// caller can detect a further page.
func (s *Store) ListEmployees(ctx context.Context, cc caller.Context, department string, limit int, after *cursor.Keyset) ([]Employee, error) {
	var (
		where []string
		args  []any
	)
	if department != "" {
		args = append(args, department)
		where = append(where, fmt.Sprintf("department = $%d", len(args)))
	}
	if after != nil {
		pred, vals := after.SQL(len(args) + 1)
		args = append(args, vals...)
		where = append(where, pred)
	}

	query := "SELECT " + employeeColumns + " FROM employees"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY %s LIMIT $%d", cursor.OrderBy(listOrder), len(args))

	rows := make([]Employee, 0, limit+1)
	err := toolserver.WithCallerTx(ctx, s.db, cc, func(tx *sql.Tx) error {
		rs, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rs.Close()
		for rs.Next() {
			var e Employee
			if err := rs.Scan(&e.ID, &e.FirstName, &e.LastName, &e.Email, &e.Department,
				&e.Title, &e.Salary, &e.GovID, &e.Phone, &e.HiredAt); err != nil {
				return err
			}
			rows = append(rows, e)
		}
		return rs.Err()
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetEmployee fetches one row by id.
func (s *Store) GetEmployee(ctx context.Context, cc caller.Context, id string) (*Employee, error) {
	var e Employee
	err := toolserver.WithCallerTx(ctx, s.db, cc, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+employeeColumns+" FROM employees WHERE id = $1", id)
		if err := row.Scan(&e.ID, &e.FirstName, &e.LastName, &e.Email, &e.Department,
			&e.Title, &e.Salary, &e.GovID, &e.Phone, &e.HiredAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteEmployee removes one row by id.
func (s *Store) DeleteEmployee(ctx context.Context, cc caller.Context, id string) error {
	return toolserver.WithCallerTx(ctx, s.db, cc, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM employees WHERE id = $1", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpdateSalary sets a new salary for one employee.
func (s *Store) UpdateSalary(ctx context.Context, cc caller.Context, id string, salary float64) error {
	return toolserver.WithCallerTx(ctx, s.db, cc, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE employees SET salary = $1 WHERE id = $2", salary, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Seed creates the schema and loads a small directory when the table is
// empty. Dev setups only; production schemas are migrated out of band.
func (s *Store) Seed(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS employees (
	id         UUID PRIMARY KEY,
	first_name TEXT NOT NULL,
	last_name  TEXT NOT NULL,
	email      TEXT NOT NULL UNIQUE,
	department TEXT NOT NULL,
	title      TEXT NOT NULL,
	salary     NUMERIC(12,2) NOT NULL,
	gov_id     TEXT NOT NULL,
	phone      TEXT NOT NULL,
	hired_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS employees_list_order ON employees (last_name, first_name, id);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("hr: create schema: %w", err)
	}

	rows := []Employee{
		{ID: "0d4b1efc-1f2a-4f41-9db0-1b69d60f3a01", FirstName: "Maya", LastName: "Alvarez", Email: "maya.alvarez@example.com", Department: "engineering", Title: "Staff Engineer", Salary: 198000, GovID: "514-22-9810", Phone: "+1-415-555-0134", HiredAt: time.Date(2019, 3, 11, 0, 0, 0, 0, time.UTC)},
		{ID: "3f8e2c4a-81d2-47c4-bb5e-75c1a6f0be02", FirstName: "Jonas", LastName: "Berg", Email: "jonas.berg@example.com", Department: "engineering", Title: "Engineer II", Salary: 142000, GovID: "602-48-1177", Phone: "+1-415-555-0177", HiredAt: time.Date(2021, 7, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "7a0d9b11-6c3e-44d0-8f2a-94cf2f0c1c03", FirstName: "Priya", LastName: "Chandran", Email: "priya.chandran@example.com", Department: "finance", Title: "Controller", Salary: 171000, GovID: "388-90-3321", Phone: "+1-628-555-0119", HiredAt: time.Date(2018, 1, 22, 0, 0, 0, 0, time.UTC)},
		{ID: "b45cf0d8-2e17-49d1-9a61-c3de40b10a04", FirstName: "Elena", LastName: "Dimitrov", Email: "elena.dimitrov@example.com", Department: "sales", Title: "Account Executive", Salary: 123000, GovID: "205-63-4410", Phone: "+1-917-555-0102", HiredAt: time.Date(2022, 10, 3, 0, 0, 0, 0, time.UTC)},
		{ID: "c1a7e6f2-5b90-4d2c-8c55-09ab5f7d2e05", FirstName: "Sam", LastName: "Okafor", Email: "sam.okafor@example.com", Department: "support", Title: "Support Lead", Salary: 104000, GovID: "771-30-8856", Phone: "+1-206-555-0190", HiredAt: time.Date(2020, 5, 18, 0, 0, 0, 0, time.UTC)},
		{ID: "e9b3d7c1-7f44-4a1b-b2d9-61f08c9e4a06", FirstName: "Ruth", LastName: "Okafor", Email: "ruth.okafor@example.com", Department: "hr", Title: "HR Business Partner", Salary: 118000, GovID: "443-17-2209", Phone: "+1-206-555-0148", HiredAt: time.Date(2023, 2, 6, 0, 0, 0, 0, time.UTC)},
	}
	for _, e := range rows {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO employees (`+employeeColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO NOTHING`,
			e.ID, e.FirstName, e.LastName, e.Email, e.Department, e.Title, e.Salary, e.GovID, e.Phone, e.HiredAt)
		if err != nil {
			return fmt.Errorf("hr: seed employees: %w", err)
		}
	}
	return nil
}

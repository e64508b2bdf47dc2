// Package finance hosts the Finance domain tools over the invoicing and
// budgeting tables.
package finance

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

// ErrNotFound reports an invoice id with no matching row.
var ErrNotFound = errors.New("finance: invoice not found")

// invoiceOrder lists newest invoices first; created_at and id break ties
// between same-day invoices.
var invoiceOrder = []cursor.Column{
	{Name: "invoice_date", Desc: true},
	{Name: "created_at"},
	{Name: "id"},
}

// budgetOrder lists current fiscal years first.
var budgetOrder = []cursor.Column{
	{Name: "fiscal_year", Desc: true},
	{Name: "department"},
	{Name: "id"},
}

// Invoice is one payable row in its wire form. AccountNumber is subject to
// field redaction.
type Invoice struct {
	ID            string    `json:"id"`
	InvoiceNumber string    `json:"invoice_number"`
	Vendor        string    `json:"vendor"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	Department    string    `json:"department"`
	AccountNumber string    `json:"account_number"`
	InvoiceDate   time.Time `json:"invoice_date"`
	CreatedAt     time.Time `json:"created_at"`
}

// Budget is one department-year allocation row.
type Budget struct {
	ID         string  `json:"id"`
	FiscalYear int     `json:"fiscal_year"`
	Department string  `json:"department"`
	Allocated  float64 `json:"allocated"`
	Spent      float64 `json:"spent"`
}

const invoiceColumns = "id, invoice_number, vendor, amount, currency, status, department, account_number, invoice_date, created_at"
const budgetColumns = "id, fiscal_year, department, allocated, spent"

// Store runs Finance queries against Postgres inside caller-bound
// transactions.
type Store struct {
	db *sql.DB
}

// Open connects to the finance database.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("finance: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle. Tests use it with a mock driver.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// ListInvoices returns up to limit+1 rows past the cursor position,
// optionally filtered by status.
func (s *Store) ListInvoices(ctx context.Context, cc caller.Context, status string, limit int, after *cursor.Keyset) ([]Invoice, error) {
	var (
		where []string
		args  []any
	)
	if status != "" {
		args = append(args, status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if after != nil {
		pred, vals := after.SQL(len(args) + 1)
		args = append(args, vals...)
		where = append(where, pred)
	}

	query := "SELECT " + invoiceColumns + " FROM invoices"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY %s LIMIT $%d", cursor.OrderBy(invoiceOrder), len(args))

	rows := make([]Invoice, 0, limit+1)
	err := toolserver.WithCallerTx(ctx, s.db, cc, func(tx *sql.Tx) error {
		rs, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rs.Close()
		for rs.Next() {
			var inv Invoice
			if err := rs.Scan(&inv.ID, &inv.InvoiceNumber, &inv.Vendor, &inv.Amount, &inv.Currency,
				&inv.Status, &inv.Department, &inv.AccountNumber, &inv.InvoiceDate, &inv.CreatedAt); err != nil {
				return err
			}
			rows = append(rows, inv)
		}
		return rs.Err()
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetInvoice fetches one row by id.
func (s *Store) GetInvoice(ctx context.Context, cc caller.Context, id string) (*Invoice, error) {
	var inv Invoice
	err := toolserver.WithCallerTx(ctx, s.db, cc, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = $1", id)
		if err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.Vendor, &inv.Amount, &inv.Currency,
			&inv.Status, &inv.Department, &inv.AccountNumber, &inv.InvoiceDate, &inv.CreatedAt); err != nil {
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
	return &inv, nil
}

// DeleteInvoice removes one row by id.
func (s *Store) DeleteInvoice(ctx context.Context, cc caller.Context, id string) error {
	return toolserver.WithCallerTx(ctx, s.db, cc, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM invoices WHERE id = $1", id)
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

// ListBudgets returns up to limit+1 allocation rows past the cursor
// position, optionally filtered by department.
func (s *Store) ListBudgets(ctx context.Context, cc caller.Context, department string, limit int, after *cursor.Keyset) ([]Budget, error) {
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

	query := "SELECT " + budgetColumns + " FROM budgets"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY %s LIMIT $%d", cursor.OrderBy(budgetOrder), len(args))

	rows := make([]Budget, 0, limit+1)
	err := toolserver.WithCallerTx(ctx, s.db, cc, func(tx *sql.Tx) error {
		rs, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rs.Close()
		for rs.Next() {
			var b Budget
			if err := rs.Scan(&b.ID, &b.FiscalYear, &b.Department, &b.Allocated, &b.Spent); err != nil {
				return err
			}
			rows = append(rows, b)
		}
		return rs.Err()
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Seed creates the schema and loads sample books when the tables are
// empty. Dev setups only.
func (s *Store) Seed(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS invoices (
	id             UUID PRIMARY KEY,
	invoice_number TEXT NOT NULL UNIQUE,
	vendor         TEXT NOT NULL,
	amount         NUMERIC(14,2) NOT NULL,
	currency       TEXT NOT NULL,
	status         TEXT NOT NULL,
	department     TEXT NOT NULL,
	account_number TEXT NOT NULL,
	invoice_date   DATE NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS invoices_list_order ON invoices (invoice_date DESC, created_at, id);
CREATE TABLE IF NOT EXISTS budgets (
	id          UUID PRIMARY KEY,
	fiscal_year INT NOT NULL,
	department  TEXT NOT NULL,
	allocated   NUMERIC(14,2) NOT NULL,
	spent       NUMERIC(14,2) NOT NULL,
	UNIQUE (fiscal_year, department)
);
CREATE INDEX IF NOT EXISTS budgets_list_order ON budgets (fiscal_year DESC, department, id);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("finance: create schema: %w", err)
	}

	invoices := []Invoice{
		{ID: "11f1a6b0-54c8-4f7d-9b3e-0d2a8c3e1a01", InvoiceNumber: "INV-2026-0117", Vendor: "Northwind Cloud", Amount: 48210.50, Currency: "USD", Status: "pending", Department: "engineering", AccountNumber: "GB29NWBK60161331926819", InvoiceDate: time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC), CreatedAt: time.Date(2026, 7, 1, 9, 12, 0, 0, time.UTC)},
		{ID: "2dc52b94-0b0f-41f3-88d0-5a7e4b6c2b02", InvoiceNumber: "INV-2026-0093", Vendor: "Lamplight Legal", Amount: 12900, Currency: "USD", Status: "paid", Department: "legal", AccountNumber: "DE89370400440532013000", InvoiceDate: time.Date(2026, 5, 14, 0, 0, 0, 0, time.UTC), CreatedAt: time.Date(2026, 5, 14, 16, 40, 0, 0, time.UTC)},
		{ID: "5e03c7d2-9a61-4a0e-b27f-3c9d0e8f4c03", InvoiceNumber: "INV-2026-0061", Vendor: "Harbor Catering", Amount: 3180.25, Currency: "USD", Status: "overdue", Department: "people", AccountNumber: "FR1420041010050500013M02606", InvoiceDate: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), CreatedAt: time.Date(2026, 3, 3, 8, 5, 0, 0, time.UTC)},
	}
	for _, inv := range invoices {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO invoices (`+invoiceColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO NOTHING`,
			inv.ID, inv.InvoiceNumber, inv.Vendor, inv.Amount, inv.Currency, inv.Status,
			inv.Department, inv.AccountNumber, inv.InvoiceDate, inv.CreatedAt)
		if err != nil {
			return fmt.Errorf("finance: seed invoices: %w", err)
		}
	}

	budgets := []Budget{
		{ID: "7f4b2c10-3d5e-4b6a-8c9d-1e2f3a4b5c04", FiscalYear: 2026, Department: "engineering", Allocated: 2400000, Spent: 1310500},
		{ID: "8a5c3d21-4e6f-5c7b-9d0e-2f3a4b5c6d05", FiscalYear: 2026, Department: "sales", Allocated: 1800000, Spent: 990200},
		{ID: "9b6d4e32-5f70-6d8c-0e1f-3a4b5c6d7e06", FiscalYear: 2025, Department: "engineering", Allocated: 2100000, Spent: 2067800},
	}
	for _, b := range budgets {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO budgets (`+budgetColumns+`)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO NOTHING`,
			b.ID, b.FiscalYear, b.Department, b.Allocated, b.Spent)
		if err != nil {
			return fmt.Errorf("finance: seed budgets: %w", err)
		}
	}
	return nil
}

package finance

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/toolserver"
	"github.com/atriumhq/atrium/pkg/caller"
	"github.com/atriumhq/atrium/pkg/cursor"
	"github.com/atriumhq/atrium/pkg/envelope"
)

var invoiceCols = []string{"id", "invoice_number", "vendor", "amount", "currency", "status", "department", "account_number", "invoice_date", "created_at"}

func financeWriter() caller.Context {
	return caller.Context{
		UserID:     "u-1",
		Email:      "kim@example.com",
		Roles:      []string{caller.RoleFinanceWrite},
		Department: "finance",
	}
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func financeTool(t *testing.T, store *Store, name string) toolserver.Tool {
	t.Helper()
	for _, reg := range Tools(store, config.PaginationConfig{DefaultLimit: 50, MaxLimit: 50}) {
		if reg.Tool.Descriptor().Name == name {
			return reg.Tool
		}
	}
	t.Fatalf("no tool named %q", name)
	return nil
}

func expectCallerVars(mock sqlmock.Sqlmock, cc caller.Context) {
	vars := [][2]string{
		{"app.user_id", cc.UserID},
		{"app.roles", strings.Join(cc.Roles, ",")},
		{"app.email", cc.Email},
		{"app.department", cc.Department},
	}
	for _, v := range vars {
		mock.ExpectExec("SELECT set_config").WithArgs(v[0], v[1]).WillReturnResult(sqlmock.NewResult(0, 1))
	}
}

func invoiceRow(rows *sqlmock.Rows, id, number string, date time.Time) *sqlmock.Rows {
	return rows.AddRow(id, number, "Northwind Cloud", 48210.50, "USD", "pending", "engineering",
		"GB29NWBK60161331926819", date, date.Add(9*time.Hour))
}

func TestListInvoicesPagesNewestFirst(t *testing.T) {
	store, mock := newMockStore(t)
	cc := financeWriter()

	rows := sqlmock.NewRows(invoiceCols)
	invoiceRow(rows, "inv-1", "INV-2026-0117", time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC))
	invoiceRow(rows, "inv-2", "INV-2026-0093", time.Date(2026, 5, 14, 0, 0, 0, 0, time.UTC))
	invoiceRow(rows, "inv-3", "INV-2026-0061", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))

	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectQuery("SELECT .+ FROM invoices WHERE status .+ ORDER BY invoice_date DESC, created_at ASC, id ASC").
		WithArgs("pending", 3).
		WillReturnRows(rows)
	mock.ExpectCommit()

	tool := financeTool(t, store, "list_invoices")
	resp, err := tool.Invoke(context.Background(), &toolserver.Request{
		Caller: cc,
		Input:  json.RawMessage(`{"status":"pending","limit":2}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !resp.IsSuccess() {
		t.Fatalf("envelope = %+v, want success", resp)
	}

	var page []Invoice
	if err := json.Unmarshal(resp.Data(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "inv-1" || page[1].ID != "inv-2" {
		t.Errorf("page ids = %v, want [inv-1 inv-2]", page)
	}

	meta := resp.Pagination()
	if meta == nil || !meta.HasMore {
		t.Fatalf("pagination = %+v, want hasMore", meta)
	}
	k, err := cursor.DecodeKeyset(meta.NextCursor, invoiceOrder)
	if err != nil {
		t.Fatalf("next cursor does not decode: %v", err)
	}
	if k.Values[2] != "inv-2" {
		t.Errorf("cursor tiebreaker = %v, want inv-2", k.Values[2])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestListBudgetsResumesAfterCursor(t *testing.T) {
	store, mock := newMockStore(t)
	cc := financeWriter()

	token, err := cursor.EncodeKeyset(cursor.Keyset{
		Columns: budgetOrder,
		Values:  []any{2026, "engineering", "b-1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	rows := sqlmock.NewRows([]string{"id", "fiscal_year", "department", "allocated", "spent"}).
		AddRow("b-2", 2026, "sales", 1800000.0, 990200.0)

	// Keyset values round-trip through JSON, so the year resurfaces as a
	// float64 argument.
	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectQuery("SELECT .+ FROM budgets WHERE .*fiscal_year").
		WithArgs(float64(2026), "engineering", "b-1", 3).
		WillReturnRows(rows)
	mock.ExpectCommit()

	tool := financeTool(t, store, "list_budgets")
	resp, err := tool.Invoke(context.Background(), &toolserver.Request{
		Caller: cc,
		Input:  json.RawMessage(`{"limit":2,"cursor":"` + token + `"}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !resp.IsSuccess() {
		t.Fatalf("envelope = %+v, want success", resp)
	}

	var page []Budget
	if err := json.Unmarshal(resp.Data(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Department != "sales" {
		t.Errorf("page = %+v, want the sales budget", page)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetInvoiceNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	cc := financeWriter()

	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectQuery("SELECT .+ FROM invoices WHERE id").
		WithArgs("inv-404").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	tool := financeTool(t, store, "get_invoice")
	resp, err := tool.Invoke(context.Background(), &toolserver.Request{
		Caller: cc,
		Input:  json.RawMessage(`{"invoice_id":"inv-404"}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Err() == nil || resp.Err().Code != envelope.CodeNotFound {
		t.Errorf("error = %+v, want NOT_FOUND", resp.Err())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDeleteInvoiceConfirmationLifecycle(t *testing.T) {
	store, mock := newMockStore(t)
	cc := financeWriter()

	rows := sqlmock.NewRows(invoiceCols)
	invoiceRow(rows, "inv-1", "INV-2026-0117", time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC))

	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectQuery("SELECT .+ FROM invoices WHERE id").
		WithArgs("inv-1").
		WillReturnRows(rows)
	mock.ExpectCommit()

	tool := financeTool(t, store, "delete_invoice").(toolserver.DestructiveTool)
	resp, err := tool.Invoke(context.Background(), &toolserver.Request{
		Caller: cc,
		Input:  json.RawMessage(`{"invoice_id":"inv-1"}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	pending := resp.Pending()
	if pending == nil {
		t.Fatalf("envelope = %+v, want pending confirmation", resp)
	}
	if !strings.Contains(pending.Message, "INV-2026-0117") || !strings.Contains(pending.Message, "Northwind Cloud") {
		t.Errorf("message = %q, want invoice number and vendor", pending.Message)
	}
	if pending.ConfirmationData["user_id"] != "u-1" || pending.ConfirmationData["invoice_id"] != "inv-1" {
		t.Errorf("confirmation data = %+v", pending.ConfirmationData)
	}

	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectExec("DELETE FROM invoices WHERE id").
		WithArgs("inv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resp, err = tool.Execute(context.Background(), &toolserver.ExecuteRequest{
		Caller: cc,
		Action: "delete_invoice",
		Data:   map[string]any{"action": "delete_invoice", "user_id": "u-1", "invoice_id": "inv-1"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !resp.IsSuccess() {
		t.Fatalf("envelope = %+v, want success", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

package hr

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

var employeeCols = []string{"id", "first_name", "last_name", "email", "department", "title", "salary", "gov_id", "phone", "hired_at"}

func hrWriter() caller.Context {
	return caller.Context{
		UserID:     "u-1",
		Email:      "ada@example.com",
		Roles:      []string{caller.RoleHRWrite},
		Department: "people",
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

func hrTool(t *testing.T, store *Store, name string) toolserver.Tool {
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

func employeeRow(rows *sqlmock.Rows, id, first, last string) *sqlmock.Rows {
	return rows.AddRow(id, first, last, strings.ToLower(first)+"@example.com", "engineering",
		"Engineer", 150000.0, "111-22-3333", "+1-555-0100", time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC))
}

func TestListEmployeesFirstPage(t *testing.T) {
	store, mock := newMockStore(t)
	cc := hrWriter()

	rows := sqlmock.NewRows(employeeCols)
	employeeRow(rows, "e-1", "Maya", "Alvarez")
	employeeRow(rows, "e-2", "Jonas", "Berg")
	employeeRow(rows, "e-3", "Priya", "Chandran")

	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectQuery("SELECT id, first_name, last_name, email, department, title, salary, gov_id, phone, hired_at FROM employees WHERE department").
		WithArgs("engineering", 3).
		WillReturnRows(rows)
	mock.ExpectCommit()

	tool := hrTool(t, store, "list_employees")
	resp, err := tool.Invoke(context.Background(), &toolserver.Request{
		Caller: cc,
		Input:  json.RawMessage(`{"department":"engineering","limit":2}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !resp.IsSuccess() {
		t.Fatalf("envelope = %+v, want success", resp)
	}

	var page []Employee
	if err := json.Unmarshal(resp.Data(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].LastName != "Alvarez" || page[1].LastName != "Berg" {
		t.Errorf("page = %+v, want the first two rows", page)
	}

	meta := resp.Pagination()
	if meta == nil || !meta.HasMore || meta.ReturnedCount != 2 {
		t.Fatalf("pagination = %+v, want hasMore with 2 rows", meta)
	}
	if !meta.Truncated {
		t.Error("expected the legacy truncated alias on a non-final page")
	}
	k, err := cursor.DecodeKeyset(meta.NextCursor, listOrder)
	if err != nil {
		t.Fatalf("next cursor does not decode: %v", err)
	}
	if k.Values[0] != "Berg" || k.Values[2] != "e-2" {
		t.Errorf("cursor values = %v, want the last returned row", k.Values)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestListEmployeesExactPageHasNoCursor(t *testing.T) {
	store, mock := newMockStore(t)
	cc := hrWriter()

	rows := sqlmock.NewRows(employeeCols)
	employeeRow(rows, "e-1", "Maya", "Alvarez")
	employeeRow(rows, "e-2", "Jonas", "Berg")

	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectQuery("SELECT id, first_name, last_name, .+ FROM employees ORDER BY last_name ASC, first_name ASC, id ASC").
		WithArgs(3).
		WillReturnRows(rows)
	mock.ExpectCommit()

	tool := hrTool(t, store, "list_employees")
	resp, err := tool.Invoke(context.Background(), &toolserver.Request{
		Caller: cc,
		Input:  json.RawMessage(`{"limit":2}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	meta := resp.Pagination()
	if meta == nil || meta.HasMore || meta.NextCursor != "" || meta.ReturnedCount != 2 {
		t.Errorf("pagination = %+v, want a final page", meta)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestListEmployeesResumesAfterCursor(t *testing.T) {
	store, mock := newMockStore(t)
	cc := hrWriter()

	token, err := cursor.EncodeKeyset(cursor.Keyset{
		Columns: listOrder,
		Values:  []any{"Berg", "Jonas", "e-2"},
	})
	if err != nil {
		t.Fatal(err)
	}

	rows := sqlmock.NewRows(employeeCols)
	employeeRow(rows, "e-3", "Priya", "Chandran")

	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectQuery("SELECT .+ FROM employees WHERE .*last_name").
		WithArgs("Berg", "Jonas", "e-2", 3).
		WillReturnRows(rows)
	mock.ExpectCommit()

	tool := hrTool(t, store, "list_employees")
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
	if meta := resp.Pagination(); meta.HasMore {
		t.Errorf("pagination = %+v, want a final page", meta)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestListEmployeesRejectsForeignCursor(t *testing.T) {
	store, mock := newMockStore(t)

	// A doc-store cursor must not decode as a keyset.
	token, err := cursor.EncodeDocID("opp-9")
	if err != nil {
		t.Fatal(err)
	}

	tool := hrTool(t, store, "list_employees")
	resp, err := tool.Invoke(context.Background(), &toolserver.Request{
		Caller: hrWriter(),
		Input:  json.RawMessage(`{"cursor":"` + token + `"}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Err() == nil || resp.Err().Code != envelope.CodeInvalidCursor {
		t.Errorf("error = %+v, want INVALID_CURSOR", resp.Err())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetEmployeeNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	cc := hrWriter()

	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectQuery("SELECT .+ FROM employees WHERE id").
		WithArgs("e-404").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	tool := hrTool(t, store, "get_employee")
	resp, err := tool.Invoke(context.Background(), &toolserver.Request{
		Caller: cc,
		Input:  json.RawMessage(`{"employee_id":"e-404"}`),
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

func TestGetEmployeeDatabaseError(t *testing.T) {
	store, mock := newMockStore(t)
	cc := hrWriter()

	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectQuery("SELECT .+ FROM employees WHERE id").
		WithArgs("e-1").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	tool := hrTool(t, store, "get_employee")
	resp, err := tool.Invoke(context.Background(), &toolserver.Request{
		Caller: cc,
		Input:  json.RawMessage(`{"employee_id":"e-1"}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Err() == nil || resp.Err().Code != envelope.CodeDatabaseError {
		t.Errorf("error = %+v, want DATABASE_ERROR", resp.Err())
	}
	if resp.Err().TechnicalDetails == "" {
		t.Error("expected technical details for the gateway log")
	}
}

func TestDeleteEmployeeInvokeOnlyLooksUp(t *testing.T) {
	store, mock := newMockStore(t)
	cc := hrWriter()

	rows := sqlmock.NewRows(employeeCols)
	employeeRow(rows, "e-1", "Maya", "Alvarez")

	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectQuery("SELECT .+ FROM employees WHERE id").
		WithArgs("e-1").
		WillReturnRows(rows)
	mock.ExpectCommit()

	tool := hrTool(t, store, "delete_employee")
	resp, err := tool.Invoke(context.Background(), &toolserver.Request{
		Caller: cc,
		Input:  json.RawMessage(`{"employee_id":"e-1","reason":"left the company"}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	pending := resp.Pending()
	if pending == nil {
		t.Fatalf("envelope = %+v, want pending confirmation", resp)
	}
	if pending.ConfirmationID == "" {
		t.Error("pending envelope has no confirmation id")
	}
	if !strings.Contains(pending.Message, "Maya Alvarez") {
		t.Errorf("message = %q, want the employee's display name", pending.Message)
	}
	data := pending.ConfirmationData
	if data["action"] != "delete_employee" || data["user_id"] != "u-1" || data["employee_id"] != "e-1" {
		t.Errorf("confirmation data = %+v", data)
	}

	// No DELETE was expected; the first call must not mutate.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDeleteEmployeeExecuteDeletes(t *testing.T) {
	store, mock := newMockStore(t)
	cc := hrWriter()

	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectExec("DELETE FROM employees WHERE id").
		WithArgs("e-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tool := hrTool(t, store, "delete_employee").(toolserver.DestructiveTool)
	resp, err := tool.Execute(context.Background(), &toolserver.ExecuteRequest{
		Caller: cc,
		Action: "delete_employee",
		Data:   map[string]any{"action": "delete_employee", "user_id": "u-1", "employee_id": "e-1"},
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

func TestDeleteEmployeeExecuteGoneRow(t *testing.T) {
	store, mock := newMockStore(t)
	cc := hrWriter()

	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectExec("DELETE FROM employees WHERE id").
		WithArgs("e-9").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tool := hrTool(t, store, "delete_employee").(toolserver.DestructiveTool)
	resp, err := tool.Execute(context.Background(), &toolserver.ExecuteRequest{
		Caller: cc,
		Action: "delete_employee",
		Data:   map[string]any{"action": "delete_employee", "user_id": "u-1", "employee_id": "e-9"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Err() == nil || resp.Err().Code != envelope.CodeNotFound {
		t.Errorf("error = %+v, want NOT_FOUND", resp.Err())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateSalaryRoundTrip(t *testing.T) {
	store, mock := newMockStore(t)
	cc := hrWriter()

	rows := sqlmock.NewRows(employeeCols)
	employeeRow(rows, "e-1", "Maya", "Alvarez")

	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectQuery("SELECT .+ FROM employees WHERE id").
		WithArgs("e-1").
		WillReturnRows(rows)
	mock.ExpectCommit()

	tool := hrTool(t, store, "update_salary").(toolserver.DestructiveTool)
	resp, err := tool.Invoke(context.Background(), &toolserver.Request{
		Caller: cc,
		Input:  json.RawMessage(`{"employee_id":"e-1","salary":210000}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	pending := resp.Pending()
	if pending == nil {
		t.Fatalf("envelope = %+v, want pending confirmation", resp)
	}
	if pending.ConfirmationData["new_salary"] != 210000.0 {
		t.Errorf("new_salary = %v, want 210000", pending.ConfirmationData["new_salary"])
	}

	mock.ExpectBegin()
	expectCallerVars(mock, cc)
	mock.ExpectExec("UPDATE employees SET salary").
		WithArgs(210000.0, "e-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resp, err = tool.Execute(context.Background(), &toolserver.ExecuteRequest{
		Caller: cc,
		Action: "update_salary",
		Data:   map[string]any{"action": "update_salary", "user_id": "u-1", "employee_id": "e-1", "new_salary": 210000.0},
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

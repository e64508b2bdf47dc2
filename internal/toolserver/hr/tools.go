package hr

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/toolserver"
	"github.com/atriumhq/atrium/pkg/caller"
	"github.com/atriumhq/atrium/pkg/cursor"
	"github.com/atriumhq/atrium/pkg/envelope"
)

var readRoles = []string{caller.RoleHRRead, caller.RoleHRWrite, caller.RoleManager}

// Tools assembles the HR roster with its redaction policies. Salary stays
// visible to managers; government ids and phone numbers only to hr-write.
func Tools(store *Store, pag config.PaginationConfig) []toolserver.Registration {
	redact := []toolserver.FieldPolicy{
		{Field: "salary", Unmask: []string{caller.RoleHRWrite, caller.RoleManager, caller.RoleExecutive}},
		{Field: "gov_id", Unmask: []string{caller.RoleHRWrite}},
		{Field: "phone", Unmask: []string{caller.RoleHRWrite}},
	}
	return []toolserver.Registration{
		{Tool: &listEmployees{store: store, pag: pag}, Redact: redact},
		{Tool: &getEmployee{store: store}, Redact: redact},
		{Tool: &deleteEmployee{store: store}},
		{Tool: &updateSalary{store: store}},
	}
}

func storeFailure(err error) *envelope.ToolResponse {
	return envelope.NewError(envelope.CodeDatabaseError, "The employee directory is unavailable. Try again.").
		WithTechnicalDetails(err.Error())
}

func notFound(id string) *envelope.ToolResponse {
	return envelope.NewError(envelope.CodeNotFound, fmt.Sprintf("No employee with id %s.", id))
}

type listEmployeesInput struct {
	Department string `json:"department,omitempty" jsonschema:"maxLength=100"`
	Limit      int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50"`
	Cursor     string `json:"cursor,omitempty"`
}

type listEmployees struct {
	store *Store
	pag   config.PaginationConfig
}

func (t *listEmployees) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "list_employees",
		Description:   "List employees ordered by last name, optionally filtered by department. Paginated; pass the returned cursor to fetch the next page.",
		InputSchema:   toolserver.MustInputSchema(&listEmployeesInput{}),
		RequiredRoles: readRoles,
		ReadOnly:      true,
	}
}

func (t *listEmployees) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in listEmployeesInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	limit := toolserver.ClampLimit(in.Limit, t.pag.DefaultLimit, t.pag.MaxLimit)

	var after *cursor.Keyset
	if in.Cursor != "" {
		k, err := cursor.DecodeKeyset(in.Cursor, listOrder)
		if err != nil {
			return envelope.NewError(envelope.CodeInvalidCursor, "The cursor is not valid for this listing."), nil
		}
		after = k
	}

	rows, err := t.store.ListEmployees(ctx, req.Caller, in.Department, limit, after)
	if err != nil {
		return storeFailure(err), nil
	}

	page, hasMore := toolserver.Page(rows, limit)
	// Truncated predates the cursor contract; older HR clients still read it.
	meta := &envelope.Pagination{HasMore: hasMore, ReturnedCount: len(page), Truncated: hasMore}
	if hasMore {
		last := page[len(page)-1]
		token, err := cursor.EncodeKeyset(cursor.Keyset{
			Columns: listOrder,
			Values:  []any{last.LastName, last.FirstName, last.ID},
		})
		if err != nil {
			return nil, err
		}
		meta.NextCursor = token
	}
	return envelope.SuccessPage(page, meta)
}

type getEmployeeInput struct {
	EmployeeID string `json:"employee_id" jsonschema:"format=uuid"`
}

type getEmployee struct {
	store *Store
}

func (t *getEmployee) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "get_employee",
		Description:   "Fetch a single employee record by id.",
		InputSchema:   toolserver.MustInputSchema(&getEmployeeInput{}),
		RequiredRoles: readRoles,
		ReadOnly:      true,
	}
}

func (t *getEmployee) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in getEmployeeInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	emp, err := t.store.GetEmployee(ctx, req.Caller, in.EmployeeID)
	if errors.Is(err, ErrNotFound) {
		return notFound(in.EmployeeID), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}
	return envelope.Success(emp)
}

type deleteEmployeeInput struct {
	EmployeeID string `json:"employee_id" jsonschema:"format=uuid"`
	Reason     string `json:"reason,omitempty" jsonschema:"maxLength=500"`
}

// deleteEmployee removes a directory row. The first invocation only looks
// the employee up for the confirmation message; the delete itself happens
// in Execute once the user approves.
type deleteEmployee struct {
	store *Store
}

func (t *deleteEmployee) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "delete_employee",
		Description:   "Delete an employee record. Asks the user for confirmation before anything is removed.",
		InputSchema:   toolserver.MustInputSchema(&deleteEmployeeInput{}),
		RequiredRoles: []string{caller.RoleHRWrite},
		Destructive:   true,
	}
}

func (t *deleteEmployee) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in deleteEmployeeInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	emp, err := t.store.GetEmployee(ctx, req.Caller, in.EmployeeID)
	if errors.Is(err, ErrNotFound) {
		return notFound(in.EmployeeID), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}

	display := emp.FirstName + " " + emp.LastName
	return envelope.NewPending(
		uuid.NewString(),
		fmt.Sprintf("Delete employee %s (%s)? This cannot be undone.", display, emp.Email),
		map[string]any{
			"action":       "delete_employee",
			"user_id":      req.Caller.UserID,
			"employee_id":  emp.ID,
			"display_name": display,
			"reason":       in.Reason,
		},
	), nil
}

func (t *deleteEmployee) Execute(ctx context.Context, req *toolserver.ExecuteRequest) (*envelope.ToolResponse, error) {
	id, _ := req.Data["employee_id"].(string)
	if id == "" {
		return envelope.NewError(envelope.CodeValidationError, "The confirmation payload is missing its employee id."), nil
	}
	err := t.store.DeleteEmployee(ctx, req.Caller, id)
	if errors.Is(err, ErrNotFound) {
		return notFound(id), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}
	return envelope.Success(map[string]any{"deleted": true, "employee_id": id})
}

type updateSalaryInput struct {
	EmployeeID string  `json:"employee_id" jsonschema:"format=uuid"`
	Salary     float64 `json:"salary" jsonschema:"minimum=0"`
}

// updateSalary changes one employee's salary, confirmation-gated like
// deleteEmployee.
type updateSalary struct {
	store *Store
}

func (t *updateSalary) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "update_salary",
		Description:   "Change an employee's salary. Asks the user for confirmation before the change is applied.",
		InputSchema:   toolserver.MustInputSchema(&updateSalaryInput{}),
		RequiredRoles: []string{caller.RoleHRWrite},
		Destructive:   true,
	}
}

func (t *updateSalary) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in updateSalaryInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	emp, err := t.store.GetEmployee(ctx, req.Caller, in.EmployeeID)
	if errors.Is(err, ErrNotFound) {
		return notFound(in.EmployeeID), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}

	display := emp.FirstName + " " + emp.LastName
	return envelope.NewPending(
		uuid.NewString(),
		fmt.Sprintf("Set %s's salary to %.2f?", display, in.Salary),
		map[string]any{
			"action":       "update_salary",
			"user_id":      req.Caller.UserID,
			"employee_id":  emp.ID,
			"display_name": display,
			"new_salary":   in.Salary,
		},
	), nil
}

func (t *updateSalary) Execute(ctx context.Context, req *toolserver.ExecuteRequest) (*envelope.ToolResponse, error) {
	id, _ := req.Data["employee_id"].(string)
	salary, ok := req.Data["new_salary"].(float64)
	if id == "" || !ok {
		return envelope.NewError(envelope.CodeValidationError, "The confirmation payload is missing its employee id or salary."), nil
	}
	err := t.store.UpdateSalary(ctx, req.Caller, id, salary)
	if errors.Is(err, ErrNotFound) {
		return notFound(id), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}
	return envelope.Success(map[string]any{"updated": true, "employee_id": id, "salary": salary})
}

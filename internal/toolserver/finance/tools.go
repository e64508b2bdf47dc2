package finance

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

var readRoles = []string{caller.RoleFinanceRead, caller.RoleFinanceWrite}

// Tools assembles the Finance roster. Bank account numbers stay visible to
// finance-write only.
func Tools(store *Store, pag config.PaginationConfig) []toolserver.Registration {
	redact := []toolserver.FieldPolicy{
		{Field: "account_number", Unmask: []string{caller.RoleFinanceWrite}},
	}
	return []toolserver.Registration{
		{Tool: &listInvoices{store: store, pag: pag}, Redact: redact},
		{Tool: &getInvoice{store: store}, Redact: redact},
		{Tool: &listBudgets{store: store, pag: pag}},
		{Tool: &deleteInvoice{store: store}},
	}
}

func storeFailure(err error) *envelope.ToolResponse {
	return envelope.NewError(envelope.CodeDatabaseError, "The finance books are unavailable. Try again.").
		WithTechnicalDetails(err.Error())
}

type listInvoicesInput struct {
	Status string `json:"status,omitempty" jsonschema:"enum=pending,enum=paid,enum=overdue,enum=void"`
	Limit  int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50"`
	Cursor string `json:"cursor,omitempty"`
}

type listInvoices struct {
	store *Store
	pag   config.PaginationConfig
}

func (t *listInvoices) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "list_invoices",
		Description:   "List invoices newest first, optionally filtered by status. Paginated; pass the returned cursor to fetch the next page.",
		InputSchema:   toolserver.MustInputSchema(&listInvoicesInput{}),
		RequiredRoles: readRoles,
		ReadOnly:      true,
	}
}

func (t *listInvoices) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in listInvoicesInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	limit := toolserver.ClampLimit(in.Limit, t.pag.DefaultLimit, t.pag.MaxLimit)

	var after *cursor.Keyset
	if in.Cursor != "" {
		k, err := cursor.DecodeKeyset(in.Cursor, invoiceOrder)
		if err != nil {
			return envelope.NewError(envelope.CodeInvalidCursor, "The cursor is not valid for this listing."), nil
		}
		after = k
	}

	rows, err := t.store.ListInvoices(ctx, req.Caller, in.Status, limit, after)
	if err != nil {
		return storeFailure(err), nil
	}

	page, hasMore := toolserver.Page(rows, limit)
	meta := &envelope.Pagination{HasMore: hasMore, ReturnedCount: len(page)}
	if hasMore {
		last := page[len(page)-1]
		token, err := cursor.EncodeKeyset(cursor.Keyset{
			Columns: invoiceOrder,
			Values:  []any{last.InvoiceDate, last.CreatedAt, last.ID},
		})
		if err != nil {
			return nil, err
		}
		meta.NextCursor = token
	}
	return envelope.SuccessPage(page, meta)
}

type getInvoiceInput struct {
	InvoiceID string `json:"invoice_id" jsonschema:"format=uuid"`
}

type getInvoice struct {
	store *Store
}

func (t *getInvoice) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "get_invoice",
		Description:   "Fetch a single invoice by id.",
		InputSchema:   toolserver.MustInputSchema(&getInvoiceInput{}),
		RequiredRoles: readRoles,
		ReadOnly:      true,
	}
}

func (t *getInvoice) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in getInvoiceInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	inv, err := t.store.GetInvoice(ctx, req.Caller, in.InvoiceID)
	if errors.Is(err, ErrNotFound) {
		return envelope.NewError(envelope.CodeNotFound, fmt.Sprintf("No invoice with id %s.", in.InvoiceID)), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}
	return envelope.Success(inv)
}

type listBudgetsInput struct {
	Department string `json:"department,omitempty" jsonschema:"maxLength=100"`
	Limit      int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50"`
	Cursor     string `json:"cursor,omitempty"`
}

type listBudgets struct {
	store *Store
	pag   config.PaginationConfig
}

func (t *listBudgets) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "list_budgets",
		Description:   "List department budget allocations, newest fiscal year first. Paginated.",
		InputSchema:   toolserver.MustInputSchema(&listBudgetsInput{}),
		RequiredRoles: []string{caller.RoleFinanceRead, caller.RoleFinanceWrite, caller.RoleManager},
		ReadOnly:      true,
	}
}

func (t *listBudgets) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in listBudgetsInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	limit := toolserver.ClampLimit(in.Limit, t.pag.DefaultLimit, t.pag.MaxLimit)

	var after *cursor.Keyset
	if in.Cursor != "" {
		k, err := cursor.DecodeKeyset(in.Cursor, budgetOrder)
		if err != nil {
			return envelope.NewError(envelope.CodeInvalidCursor, "The cursor is not valid for this listing."), nil
		}
		after = k
	}

	rows, err := t.store.ListBudgets(ctx, req.Caller, in.Department, limit, after)
	if err != nil {
		return storeFailure(err), nil
	}

	page, hasMore := toolserver.Page(rows, limit)
	meta := &envelope.Pagination{HasMore: hasMore, ReturnedCount: len(page)}
	if hasMore {
		last := page[len(page)-1]
		token, err := cursor.EncodeKeyset(cursor.Keyset{
			Columns: budgetOrder,
			Values:  []any{last.FiscalYear, last.Department, last.ID},
		})
		if err != nil {
			return nil, err
		}
		meta.NextCursor = token
	}
	return envelope.SuccessPage(page, meta)
}

type deleteInvoiceInput struct {
	InvoiceID string `json:"invoice_id" jsonschema:"format=uuid"`
	Reason    string `json:"reason,omitempty" jsonschema:"maxLength=500"`
}

// deleteInvoice removes an invoice. The first invocation looks the invoice
// up for the confirmation message; the delete happens in Execute.
type deleteInvoice struct {
	store *Store
}

func (t *deleteInvoice) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "delete_invoice",
		Description:   "Delete an invoice. Asks the user for confirmation before anything is removed.",
		InputSchema:   toolserver.MustInputSchema(&deleteInvoiceInput{}),
		RequiredRoles: []string{caller.RoleFinanceWrite},
		Destructive:   true,
	}
}

func (t *deleteInvoice) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in deleteInvoiceInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	inv, err := t.store.GetInvoice(ctx, req.Caller, in.InvoiceID)
	if errors.Is(err, ErrNotFound) {
		return envelope.NewError(envelope.CodeNotFound, fmt.Sprintf("No invoice with id %s.", in.InvoiceID)), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}

	return envelope.NewPending(
		uuid.NewString(),
		fmt.Sprintf("Delete invoice %s from %s for %.2f %s? This cannot be undone.",
			inv.InvoiceNumber, inv.Vendor, inv.Amount, inv.Currency),
		map[string]any{
			"action":         "delete_invoice",
			"user_id":        req.Caller.UserID,
			"invoice_id":     inv.ID,
			"invoice_number": inv.InvoiceNumber,
			"vendor":         inv.Vendor,
			"reason":         in.Reason,
		},
	), nil
}

func (t *deleteInvoice) Execute(ctx context.Context, req *toolserver.ExecuteRequest) (*envelope.ToolResponse, error) {
	id, _ := req.Data["invoice_id"].(string)
	if id == "" {
		return envelope.NewError(envelope.CodeValidationError, "The confirmation payload is missing its invoice id."), nil
	}
	err := t.store.DeleteInvoice(ctx, req.Caller, id)
	if errors.Is(err, ErrNotFound) {
		return envelope.NewError(envelope.CodeNotFound, fmt.Sprintf("No invoice with id %s.", id)), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}
	return envelope.Success(map[string]any{"deleted": true, "invoice_id": id})
}

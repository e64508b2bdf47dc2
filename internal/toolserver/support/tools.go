package support

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

var readRoles = []string{caller.RoleSupportRead, caller.RoleSupportWrite}

// Tools assembles the Support roster. Requester emails stay visible only
// to support-write; everything else in a ticket is plain operational text.
func Tools(store *Store, pag config.PaginationConfig) []toolserver.Registration {
	redact := []toolserver.FieldPolicy{
		{Field: "requester_email", Unmask: []string{caller.RoleSupportWrite}},
	}
	return []toolserver.Registration{
		{Tool: &searchTickets{store: store, pag: pag}, Redact: redact},
		{Tool: &listTickets{store: store, pag: pag}, Redact: redact},
		{Tool: &deleteTicket{store: store}},
	}
}

func storeFailure(err error) *envelope.ToolResponse {
	return envelope.NewError(envelope.CodeDatabaseError, "The ticket queue is unavailable. Try again.").
		WithTechnicalDetails(err.Error())
}

func notFound(id string) *envelope.ToolResponse {
	return envelope.NewError(envelope.CodeNotFound, fmt.Sprintf("No ticket with id %s.", id))
}

func invalidCursor() *envelope.ToolResponse {
	return envelope.NewError(envelope.CodeInvalidCursor, "The cursor is not valid for this listing.")
}

type searchTicketsInput struct {
	Query    string `json:"query" jsonschema:"minLength=1,maxLength=200"`
	Status   string `json:"status,omitempty" jsonschema:"enum=open,enum=pending,enum=solved,enum=closed"`
	Priority string `json:"priority,omitempty" jsonschema:"enum=low,enum=normal,enum=high,enum=urgent"`
	Limit    int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50"`
	Cursor   string `json:"cursor,omitempty"`
}

// searchTickets runs ranked full-text search. Pages resume from the
// (score, id) of the last hit rather than an offset, so a hit never
// repeats even when tickets change between pages.
type searchTickets struct {
	store *Store
	pag   config.PaginationConfig
}

func (t *searchTickets) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "search_tickets",
		Description:   "Full-text search over support tickets, best matches first. Paginated; pass the returned cursor to fetch the next page.",
		InputSchema:   toolserver.MustInputSchema(&searchTicketsInput{}),
		RequiredRoles: readRoles,
		ReadOnly:      true,
	}
}

func (t *searchTickets) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in searchTicketsInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	limit := toolserver.ClampLimit(in.Limit, t.pag.DefaultLimit, t.pag.MaxLimit)

	var after *SearchPosition
	if in.Cursor != "" {
		vals, err := cursor.DecodeSortValues(in.Cursor, 2)
		if err != nil {
			return invalidCursor(), nil
		}
		score, okScore := vals[0].(float64)
		id, okID := vals[1].(string)
		if !okScore || !okID {
			return invalidCursor(), nil
		}
		after = &SearchPosition{Score: score, ID: id}
	}

	rows, err := t.store.SearchTickets(ctx, in.Query, in.Status, in.Priority, limit, after)
	if err != nil {
		return storeFailure(err), nil
	}

	page, hasMore := toolserver.Page(rows, limit)
	meta := &envelope.Pagination{HasMore: hasMore, ReturnedCount: len(page)}
	if hasMore {
		last := page[len(page)-1]
		token, err := cursor.EncodeSortValues([]any{last.Score, last.ID})
		if err != nil {
			return nil, err
		}
		meta.NextCursor = token
	}
	return envelope.SuccessPage(page, meta)
}

type listTicketsInput struct {
	Status string `json:"status,omitempty" jsonschema:"enum=open,enum=pending,enum=solved,enum=closed"`
	Limit  int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50"`
	Cursor string `json:"cursor,omitempty"`
}

type listTickets struct {
	store *Store
	pag   config.PaginationConfig
}

func (t *listTickets) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "list_tickets",
		Description:   "List support tickets, most recently updated first, optionally filtered by status. Paginated; pass the returned cursor to fetch the next page.",
		InputSchema:   toolserver.MustInputSchema(&listTicketsInput{}),
		RequiredRoles: readRoles,
		ReadOnly:      true,
	}
}

func (t *listTickets) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in listTicketsInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	limit := toolserver.ClampLimit(in.Limit, t.pag.DefaultLimit, t.pag.MaxLimit)

	var after *ListPosition
	if in.Cursor != "" {
		vals, err := cursor.DecodeSortValues(in.Cursor, 2)
		if err != nil {
			return invalidCursor(), nil
		}
		updatedAt, okAt := vals[0].(string)
		id, okID := vals[1].(string)
		if !okAt || !okID {
			return invalidCursor(), nil
		}
		after = &ListPosition{UpdatedAt: updatedAt, ID: id}
	}

	rows, err := t.store.ListTickets(ctx, in.Status, limit, after)
	if err != nil {
		return storeFailure(err), nil
	}

	page, hasMore := toolserver.Page(rows, limit)
	meta := &envelope.Pagination{HasMore: hasMore, ReturnedCount: len(page)}
	if hasMore {
		last := page[len(page)-1]
		token, err := cursor.EncodeSortValues([]any{last.UpdatedAt, last.ID})
		if err != nil {
			return nil, err
		}
		meta.NextCursor = token
	}
	return envelope.SuccessPage(page, meta)
}

type deleteTicketInput struct {
	TicketID string `json:"ticket_id" jsonschema:"minLength=1"`
	Reason   string `json:"reason,omitempty" jsonschema:"maxLength=500"`
}

// deleteTicket removes a ticket and its index entry. The first invocation
// only looks the ticket up for the confirmation message; the delete itself
// happens in Execute once the user approves.
type deleteTicket struct {
	store *Store
}

func (t *deleteTicket) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "delete_ticket",
		Description:   "Delete a support ticket. Asks the user for confirmation before anything is removed.",
		InputSchema:   toolserver.MustInputSchema(&deleteTicketInput{}),
		RequiredRoles: []string{caller.RoleSupportWrite},
		Destructive:   true,
	}
}

func (t *deleteTicket) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in deleteTicketInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	ticket, err := t.store.GetTicket(ctx, in.TicketID)
	if errors.Is(err, ErrNotFound) {
		return notFound(in.TicketID), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}

	return envelope.NewPending(
		uuid.NewString(),
		fmt.Sprintf("Delete ticket %s (%q)? This cannot be undone.", ticket.ID, ticket.Subject),
		map[string]any{
			"action":    "delete_ticket",
			"user_id":   req.Caller.UserID,
			"ticket_id": ticket.ID,
			"subject":   ticket.Subject,
			"reason":    in.Reason,
		},
	), nil
}

func (t *deleteTicket) Execute(ctx context.Context, req *toolserver.ExecuteRequest) (*envelope.ToolResponse, error) {
	id, _ := req.Data["ticket_id"].(string)
	if id == "" {
		return envelope.NewError(envelope.CodeValidationError, "The confirmation payload is missing its ticket id."), nil
	}
	err := t.store.DeleteTicket(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return notFound(id), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}
	return envelope.Success(map[string]any{"deleted": true, "ticket_id": id})
}

package sales

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

var readRoles = []string{caller.RoleSalesRead, caller.RoleSalesWrite}

// Tools assembles the Sales roster. Opportunity documents carry no fields
// the redaction policy covers.
func Tools(store *Store, pag config.PaginationConfig) []toolserver.Registration {
	return []toolserver.Registration{
		{Tool: &listOpportunities{store: store, pag: pag}},
		{Tool: &getOpportunity{store: store}},
		{Tool: &closeOpportunity{store: store}},
		{Tool: &deleteOpportunity{store: store}},
	}
}

func storeFailure(err error) *envelope.ToolResponse {
	return envelope.NewError(envelope.CodeDatabaseError, "The sales pipeline is unavailable. Try again.").
		WithTechnicalDetails(err.Error())
}

func notFound(id string) *envelope.ToolResponse {
	return envelope.NewError(envelope.CodeNotFound, fmt.Sprintf("No opportunity with id %s.", id))
}

type listOpportunitiesInput struct {
	Stage  string `json:"stage,omitempty" jsonschema:"enum=prospecting,enum=proposal,enum=negotiation,enum=closed_won,enum=closed_lost"`
	Limit  int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50"`
	Cursor string `json:"cursor,omitempty"`
}

type listOpportunities struct {
	store *Store
	pag   config.PaginationConfig
}

func (t *listOpportunities) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "list_opportunities",
		Description:   "List sales opportunities, optionally filtered by stage. Paginated; pass the returned cursor to fetch the next page.",
		InputSchema:   toolserver.MustInputSchema(&listOpportunitiesInput{}),
		RequiredRoles: readRoles,
		ReadOnly:      true,
	}
}

func (t *listOpportunities) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in listOpportunitiesInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	limit := toolserver.ClampLimit(in.Limit, t.pag.DefaultLimit, t.pag.MaxLimit)

	var lastID string
	if in.Cursor != "" {
		id, err := cursor.DecodeDocID(in.Cursor)
		if err != nil {
			return envelope.NewError(envelope.CodeInvalidCursor, "The cursor is not valid for this listing."), nil
		}
		lastID = id
	}

	rows, err := t.store.ListOpportunities(ctx, in.Stage, limit, lastID)
	if err != nil {
		return storeFailure(err), nil
	}

	page, hasMore := toolserver.Page(rows, limit)
	meta := &envelope.Pagination{HasMore: hasMore, ReturnedCount: len(page)}
	if hasMore {
		token, err := cursor.EncodeDocID(page[len(page)-1].ID)
		if err != nil {
			return nil, err
		}
		meta.NextCursor = token
	}
	return envelope.SuccessPage(page, meta)
}

type getOpportunityInput struct {
	OpportunityID string `json:"opportunity_id" jsonschema:"format=uuid"`
}

type getOpportunity struct {
	store *Store
}

func (t *getOpportunity) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "get_opportunity",
		Description:   "Fetch a single sales opportunity by id.",
		InputSchema:   toolserver.MustInputSchema(&getOpportunityInput{}),
		RequiredRoles: readRoles,
		ReadOnly:      true,
	}
}

func (t *getOpportunity) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in getOpportunityInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	opp, err := t.store.GetOpportunity(ctx, in.OpportunityID)
	if errors.Is(err, ErrNotFound) {
		return notFound(in.OpportunityID), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}
	return envelope.Success(opp)
}

type closeOpportunityInput struct {
	OpportunityID string `json:"opportunity_id" jsonschema:"format=uuid"`
	Won           bool   `json:"won"`
	Reason        string `json:"reason,omitempty" jsonschema:"maxLength=500"`
}

// closeOpportunity moves an opportunity to closed_won or closed_lost. The
// stage change happens in Execute after confirmation.
type closeOpportunity struct {
	store *Store
}

func (t *closeOpportunity) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "close_opportunity",
		Description:   "Close a sales opportunity as won or lost. Asks the user for confirmation before the stage changes.",
		InputSchema:   toolserver.MustInputSchema(&closeOpportunityInput{}),
		RequiredRoles: []string{caller.RoleSalesWrite},
		Destructive:   true,
	}
}

func (t *closeOpportunity) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in closeOpportunityInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	opp, err := t.store.GetOpportunity(ctx, in.OpportunityID)
	if errors.Is(err, ErrNotFound) {
		return notFound(in.OpportunityID), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}

	outcome := "lost"
	if in.Won {
		outcome = "won"
	}
	return envelope.NewPending(
		uuid.NewString(),
		fmt.Sprintf("Close %q (%s) as %s?", opp.Name, opp.Account, outcome),
		map[string]any{
			"action":         "close_opportunity",
			"user_id":        req.Caller.UserID,
			"opportunity_id": opp.ID,
			"name":           opp.Name,
			"account":        opp.Account,
			"won":            in.Won,
		},
	), nil
}

func (t *closeOpportunity) Execute(ctx context.Context, req *toolserver.ExecuteRequest) (*envelope.ToolResponse, error) {
	id, _ := req.Data["opportunity_id"].(string)
	if id == "" {
		return envelope.NewError(envelope.CodeValidationError, "The confirmation payload is missing its opportunity id."), nil
	}
	stage := "closed_lost"
	if won, _ := req.Data["won"].(bool); won {
		stage = "closed_won"
	}
	err := t.store.CloseOpportunity(ctx, id, stage)
	if errors.Is(err, ErrNotFound) {
		return notFound(id), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}
	return envelope.Success(map[string]any{"closed": true, "opportunity_id": id, "stage": stage})
}

type deleteOpportunityInput struct {
	OpportunityID string `json:"opportunity_id" jsonschema:"format=uuid"`
	Reason        string `json:"reason,omitempty" jsonschema:"maxLength=500"`
}

// deleteOpportunity removes a pipeline document, confirmation-gated like
// closeOpportunity.
type deleteOpportunity struct {
	store *Store
}

func (t *deleteOpportunity) Descriptor() envelope.ToolDescriptor {
	return envelope.ToolDescriptor{
		Name:          "delete_opportunity",
		Description:   "Delete a sales opportunity. Asks the user for confirmation before anything is removed.",
		InputSchema:   toolserver.MustInputSchema(&deleteOpportunityInput{}),
		RequiredRoles: []string{caller.RoleSalesWrite},
		Destructive:   true,
	}
}

func (t *deleteOpportunity) Invoke(ctx context.Context, req *toolserver.Request) (*envelope.ToolResponse, error) {
	var in deleteOpportunityInput
	if err := req.Unwrap(&in); err != nil {
		return nil, err
	}
	opp, err := t.store.GetOpportunity(ctx, in.OpportunityID)
	if errors.Is(err, ErrNotFound) {
		return notFound(in.OpportunityID), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}

	return envelope.NewPending(
		uuid.NewString(),
		fmt.Sprintf("Delete opportunity %q (%s)? This cannot be undone.", opp.Name, opp.Account),
		map[string]any{
			"action":         "delete_opportunity",
			"user_id":        req.Caller.UserID,
			"opportunity_id": opp.ID,
			"name":           opp.Name,
			"account":        opp.Account,
			"reason":         in.Reason,
		},
	), nil
}

func (t *deleteOpportunity) Execute(ctx context.Context, req *toolserver.ExecuteRequest) (*envelope.ToolResponse, error) {
	id, _ := req.Data["opportunity_id"].(string)
	if id == "" {
		return envelope.NewError(envelope.CodeValidationError, "The confirmation payload is missing its opportunity id."), nil
	}
	err := t.store.DeleteOpportunity(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return notFound(id), nil
	}
	if err != nil {
		return storeFailure(err), nil
	}
	return envelope.Success(map[string]any{"deleted": true, "opportunity_id": id})
}

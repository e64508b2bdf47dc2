package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/atriumhq/atrium/internal/auth"
	"github.com/atriumhq/atrium/internal/pending"
	"github.com/atriumhq/atrium/pkg/envelope"
)

type confirmRequest struct {
	Approved bool `json:"approved"`
}

// handleConfirm resolves a pending destructive action: the originator
// approves or denies it exactly once. The body is a plain JSON object, not
// a stream; errors are envelope-shaped so clients parse one format for
// every tool outcome.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, envelope.CodeValidationError, "Use POST.")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/confirm/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, envelope.CodeValidationError, "Confirmation id missing from path.")
		return
	}

	cc, ok := auth.CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, envelope.CodeUnauthorized, "Missing caller identity.")
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, envelope.CodeValidationError, "Request body must be JSON with an approved field.")
		return
	}

	ctx := r.Context()

	// Ownership is checked before the claim so a mismatched caller cannot
	// consume someone else's confirmation by losing the race on purpose.
	action, err := s.pending.Get(ctx, id)
	if errors.Is(err, pending.ErrNotFound) {
		s.metrics.RecordConfirmation("expired")
		writeJSON(w, http.StatusNotFound, envelope.NewError(envelope.CodeConfirmationExpired,
			"This confirmation has expired or was already resolved."))
		return
	}
	if err != nil {
		s.logger.Error(ctx, "pending store read failed", "error", err)
		s.metrics.RecordError("gateway", "pending_store")
		writeJSON(w, http.StatusInternalServerError, envelope.NewError(envelope.CodeOperationFailed,
			"The confirmation could not be looked up. Try again."))
		return
	}

	if action.UserID != cc.UserID {
		s.logger.Warn(ctx, "confirmation user mismatch",
			"confirmation_id", id,
			"originator", action.UserID)
		s.metrics.RecordConfirmation("mismatch")
		writeJSON(w, http.StatusForbidden, envelope.NewError(envelope.CodeUserMismatch,
			"Only the user who initiated this action can confirm it."))
		return
	}

	// Atomic claim: of any number of concurrent confirms for this id,
	// exactly one proceeds past here.
	claimed, err := s.pending.Claim(ctx, id)
	if errors.Is(err, pending.ErrNotFound) {
		s.metrics.RecordConfirmation("expired")
		writeJSON(w, http.StatusNotFound, envelope.NewError(envelope.CodeConfirmationExpired,
			"This confirmation has expired or was already resolved."))
		return
	}
	if err != nil {
		s.logger.Error(ctx, "pending store claim failed", "error", err)
		s.metrics.RecordError("gateway", "pending_store")
		writeJSON(w, http.StatusInternalServerError, envelope.NewError(envelope.CodeOperationFailed,
			"The confirmation could not be claimed. Try again."))
		return
	}

	if !req.Approved {
		s.metrics.RecordConfirmation("denied")
		s.logger.Info(ctx, "confirmation denied",
			"confirmation_id", id,
			"action", claimed.Action,
			"server", claimed.Server)
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}

	// The entry is already consumed; whatever Execute returns, this
	// confirmation can never run twice.
	resp := s.dispatcher.Execute(ctx, cc, claimed)
	s.metrics.RecordConfirmation("approved")
	s.logger.Info(ctx, "confirmation executed",
		"confirmation_id", id,
		"action", claimed.Action,
		"server", claimed.Server,
		"status", string(resp.Status()))
	writeJSON(w, http.StatusOK, resp.Public())
}

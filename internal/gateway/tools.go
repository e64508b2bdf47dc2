package gateway

import (
	"net/http"

	"github.com/atriumhq/atrium/internal/auth"
	"github.com/atriumhq/atrium/pkg/envelope"
)

type toolsResponse struct {
	Tools []envelope.ToolDescriptor `json:"tools"`
}

// handleTools returns the caller's allow-list: the exact descriptor set a
// /query from this caller would advertise to the model. Debugging aid.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, envelope.CodeValidationError, "Use GET.")
		return
	}

	cc, ok := auth.CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, envelope.CodeUnauthorized, "Missing caller identity.")
		return
	}

	writeJSON(w, http.StatusOK, toolsResponse{Tools: s.registry.ToolsFor(cc)})
}

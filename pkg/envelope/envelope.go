// Package envelope defines the uniform tool response envelope exchanged
// between the gateway and every tool server.
//
// A ToolResponse is a closed sum with exactly three variants: success,
// error, and pending confirmation. Variants are constructed through the
// package constructors and matched through Status; the zero ToolResponse is
// invalid. Parsing from the wire validates the discriminant and the
// variant's required fields, so downstream code never sees a mixed or
// partial envelope.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status discriminates the three envelope variants.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusPending Status = "pending_confirmation"
)

// ErrMalformedEnvelope reports a wire payload that is not exactly one
// well-formed variant.
var ErrMalformedEnvelope = errors.New("envelope: malformed tool response")

// Pagination is the metadata attached to successful list responses.
// HasMore and NextCursor are coupled: a page with more data carries a
// non-empty cursor, a final page carries none. Truncated is a legacy alias
// for HasMore kept for one release; tools opt into producing it.
type Pagination struct {
	HasMore       bool   `json:"hasMore"`
	NextCursor    string `json:"nextCursor,omitempty"`
	ReturnedCount int    `json:"returnedCount"`
	TotalEstimate int    `json:"totalEstimate,omitempty"`
	Hint          string `json:"hint,omitempty"`
	Truncated     bool   `json:"truncated,omitempty"`
}

func (p *Pagination) validate() error {
	if p == nil {
		return nil
	}
	if p.HasMore && p.NextCursor == "" {
		return fmt.Errorf("%w: hasMore without nextCursor", ErrMalformedEnvelope)
	}
	if !p.HasMore && p.NextCursor != "" {
		return fmt.Errorf("%w: nextCursor on final page", ErrMalformedEnvelope)
	}
	return nil
}

// ErrorInfo is the payload of an error envelope. TechnicalDetails crosses
// the tool-server to gateway hop so it can be logged with the correlation
// id; the public form produced by Public never carries it.
type ErrorInfo struct {
	Code             Code   `json:"code"`
	Message          string `json:"message"`
	SuggestedAction  string `json:"suggestedAction,omitempty"`
	TechnicalDetails string `json:"technicalDetails,omitempty"`
}

// PendingInfo is the payload of a pending-confirmation envelope.
// ConfirmationData is opaque to the gateway and always includes the
// originating caller's user id for the later ownership check.
type PendingInfo struct {
	ConfirmationID   string         `json:"confirmationId"`
	Message          string         `json:"message"`
	ConfirmationData map[string]any `json:"confirmationData"`
}

// ToolResponse is the three-variant envelope. Construct with Success,
// NewError, or NewPending; inspect with Status and the variant accessors.
type ToolResponse struct {
	status  Status
	data    json.RawMessage
	meta    *Pagination
	errInfo *ErrorInfo
	pending *PendingInfo
}

// Success builds a success envelope from a tool-defined payload.
func Success(data any) (*ToolResponse, error) {
	return SuccessPage(data, nil)
}

// SuccessPage builds a success envelope with pagination metadata.
func SuccessPage(data any, meta *Pagination) (*ToolResponse, error) {
	if err := meta.validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return &ToolResponse{status: StatusSuccess, data: raw, meta: meta}, nil
}

// NewError builds an error envelope with a code from the closed set.
func NewError(code Code, message string) *ToolResponse {
	return &ToolResponse{
		status:  StatusError,
		errInfo: &ErrorInfo{Code: code, Message: message},
	}
}

// WithSuggestedAction attaches a recovery hint to an error envelope.
func (r *ToolResponse) WithSuggestedAction(action string) *ToolResponse {
	if r.errInfo != nil {
		r.errInfo.SuggestedAction = action
	}
	return r
}

// WithTechnicalDetails attaches log-only diagnostics to an error envelope.
func (r *ToolResponse) WithTechnicalDetails(details string) *ToolResponse {
	if r.errInfo != nil {
		r.errInfo.TechnicalDetails = details
	}
	return r
}

// NewPending builds a pending-confirmation envelope.
func NewPending(confirmationID, message string, data map[string]any) *ToolResponse {
	return &ToolResponse{
		status: StatusPending,
		pending: &PendingInfo{
			ConfirmationID:   confirmationID,
			Message:          message,
			ConfirmationData: data,
		},
	}
}

// Status returns the variant discriminant.
func (r *ToolResponse) Status() Status { return r.status }

// IsSuccess reports whether the envelope is the success variant.
func (r *ToolResponse) IsSuccess() bool { return r.status == StatusSuccess }

// Data returns the success payload, nil for other variants.
func (r *ToolResponse) Data() json.RawMessage { return r.data }

// Pagination returns the success pagination metadata, nil when absent.
func (r *ToolResponse) Pagination() *Pagination { return r.meta }

// Err returns the error payload, nil for other variants.
func (r *ToolResponse) Err() *ErrorInfo { return r.errInfo }

// Pending returns the pending payload, nil for other variants.
func (r *ToolResponse) Pending() *PendingInfo { return r.pending }

// wireEnvelope is the transport shape shared by marshal and unmarshal.
type wireEnvelope struct {
	Status           Status          `json:"status"`
	Data             json.RawMessage `json:"data,omitempty"`
	Metadata         *Pagination     `json:"metadata,omitempty"`
	Error            *ErrorInfo      `json:"error,omitempty"`
	ConfirmationID   string          `json:"confirmationId,omitempty"`
	Message          string          `json:"message,omitempty"`
	ConfirmationData map[string]any  `json:"confirmationData,omitempty"`
}

// MarshalJSON emits the full wire form, including technicalDetails. Use
// Public before marshalling anything bound for the LLM or the client.
func (r *ToolResponse) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{Status: r.status}
	switch r.status {
	case StatusSuccess:
		w.Data = r.data
		w.Metadata = r.meta
	case StatusError:
		w.Error = r.errInfo
	case StatusPending:
		w.ConfirmationID = r.pending.ConfirmationID
		w.Message = r.pending.Message
		w.ConfirmationData = r.pending.ConfirmationData
	default:
		return nil, ErrMalformedEnvelope
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses and validates a wire envelope. Anything that is not
// exactly one well-formed variant fails with ErrMalformedEnvelope.
func (r *ToolResponse) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch w.Status {
	case StatusSuccess:
		if w.Error != nil || w.ConfirmationID != "" {
			return fmt.Errorf("%w: success with foreign variant fields", ErrMalformedEnvelope)
		}
		if err := w.Metadata.validate(); err != nil {
			return err
		}
		*r = ToolResponse{status: StatusSuccess, data: w.Data, meta: w.Metadata}
	case StatusError:
		if w.Error == nil || w.Error.Code == "" || w.Error.Message == "" {
			return fmt.Errorf("%w: error without code or message", ErrMalformedEnvelope)
		}
		if w.Data != nil || w.ConfirmationID != "" {
			return fmt.Errorf("%w: error with foreign variant fields", ErrMalformedEnvelope)
		}
		if !ValidCode(w.Error.Code) {
			return fmt.Errorf("%w: unknown error code %q", ErrMalformedEnvelope, w.Error.Code)
		}
		info := *w.Error
		*r = ToolResponse{status: StatusError, errInfo: &info}
	case StatusPending:
		if w.ConfirmationID == "" || w.Message == "" {
			return fmt.Errorf("%w: pending without confirmation id or message", ErrMalformedEnvelope)
		}
		if w.Data != nil || w.Error != nil {
			return fmt.Errorf("%w: pending with foreign variant fields", ErrMalformedEnvelope)
		}
		*r = ToolResponse{status: StatusPending, pending: &PendingInfo{
			ConfirmationID:   w.ConfirmationID,
			Message:          w.Message,
			ConfirmationData: w.ConfirmationData,
		}}
	default:
		return fmt.Errorf("%w: status %q", ErrMalformedEnvelope, w.Status)
	}
	return nil
}

// Decode parses a wire envelope from raw bytes.
func Decode(data []byte) (*ToolResponse, error) {
	var r ToolResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Public returns a copy safe for the LLM and the client: technical details
// are stripped from errors, and pending confirmation data is reduced to its
// action tag. Success envelopes pass through unchanged.
func (r *ToolResponse) Public() *ToolResponse {
	switch r.status {
	case StatusError:
		info := *r.errInfo
		info.TechnicalDetails = ""
		return &ToolResponse{status: StatusError, errInfo: &info}
	case StatusPending:
		safe := map[string]any{}
		if action, ok := r.pending.ConfirmationData["action"]; ok {
			safe["action"] = action
		}
		return &ToolResponse{status: StatusPending, pending: &PendingInfo{
			ConfirmationID:   r.pending.ConfirmationID,
			Message:          r.pending.Message,
			ConfirmationData: safe,
		}}
	default:
		return r
	}
}

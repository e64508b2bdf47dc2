// Package caller carries the authenticated caller's identity from the
// gateway to the tool servers.
//
// The gateway builds a Context once per request from the verified token and
// propagates it by value; nothing downstream mutates it. Tool servers
// receive it through the X-Atrium-* headers and trust it, since they are
// only reachable from the gateway on the service network.
package caller

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Role names understood by the permission check. Domain roles come in
// read/write pairs; manager and executive are cross-domain modifiers.
const (
	RoleHRRead       = "hr-read"
	RoleHRWrite      = "hr-write"
	RoleFinanceRead  = "finance-read"
	RoleFinanceWrite = "finance-write"
	RoleSalesRead    = "sales-read"
	RoleSalesWrite   = "sales-write"
	RoleSupportRead  = "support-read"
	RoleSupportWrite = "support-write"
	RoleManager      = "manager"
	RoleExecutive    = "executive"
)

var knownRoles = map[string]struct{}{
	RoleHRRead:       {},
	RoleHRWrite:      {},
	RoleFinanceRead:  {},
	RoleFinanceWrite: {},
	RoleSalesRead:    {},
	RoleSalesWrite:   {},
	RoleSupportRead:  {},
	RoleSupportWrite: {},
	RoleManager:      {},
	RoleExecutive:    {},
}

// ValidRole reports whether role belongs to the recognized vocabulary.
func ValidRole(role string) bool {
	_, ok := knownRoles[role]
	return ok
}

// Header names used to propagate the context between services. Timestamps
// travel as unix seconds.
const (
	HeaderUserID      = "X-Atrium-User-Id"
	HeaderUserName    = "X-Atrium-User-Name"
	HeaderEmail       = "X-Atrium-User-Email"
	HeaderRoles       = "X-Atrium-Roles"
	HeaderDepartment  = "X-Atrium-Department"
	HeaderIssuedAt    = "X-Atrium-Issued-At"
	HeaderExpiresAt   = "X-Atrium-Expires-At"
	HeaderTokenID     = "X-Atrium-Token-Id"
	HeaderCorrelation = "X-Correlation-Id"
)

// ErrIncomplete reports a context missing its required identity fields.
var ErrIncomplete = errors.New("caller: incomplete context")

// Context is the caller identity attached to every tool invocation.
// IssuedAt and ExpiresAt mirror the token's iat and exp claims at UTC
// second precision; expiry enforcement happens at token verification, these
// ride along for logging and policy.
type Context struct {
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName,omitempty"`
	Email      string    `json:"email,omitempty"`
	Roles      []string  `json:"roles"`
	Department string    `json:"department,omitempty"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	TokenID    string    `json:"tokenId,omitempty"`
}

// Validate checks the fields every downstream decision depends on.
func (c Context) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrIncomplete)
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("%w: no roles", ErrIncomplete)
	}
	return nil
}

// HasRole reports whether the caller holds role verbatim, with no
// executive expansion.
func (c Context) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanInvoke reports whether the caller may invoke a tool that lists the
// given required roles. Holding any one of them suffices. The executive
// role additionally matches every read-only tool; write tools always
// need one of their listed roles verbatim.
func (c Context) CanInvoke(required []string, readOnly bool) bool {
	for _, need := range required {
		if c.HasRole(need) {
			return true
		}
	}
	return readOnly && c.HasRole(RoleExecutive)
}

// SetHeaders writes the context onto an outbound request's headers.
func (c Context) SetHeaders(h http.Header) {
	h.Set(HeaderUserID, c.UserID)
	if c.UserName != "" {
		h.Set(HeaderUserName, c.UserName)
	}
	if c.Email != "" {
		h.Set(HeaderEmail, c.Email)
	}
	h.Set(HeaderRoles, strings.Join(c.Roles, ","))
	if c.Department != "" {
		h.Set(HeaderDepartment, c.Department)
	}
	if !c.IssuedAt.IsZero() {
		h.Set(HeaderIssuedAt, strconv.FormatInt(c.IssuedAt.Unix(), 10))
	}
	if !c.ExpiresAt.IsZero() {
		h.Set(HeaderExpiresAt, strconv.FormatInt(c.ExpiresAt.Unix(), 10))
	}
	if c.TokenID != "" {
		h.Set(HeaderTokenID, c.TokenID)
	}
}

// FromHeaders reconstructs a context from inbound headers. A missing user
// id or empty role list fails with ErrIncomplete; servers surface that as
// an INVALID_CONTEXT envelope.
func FromHeaders(h http.Header) (Context, error) {
	c := Context{
		UserID:     h.Get(HeaderUserID),
		UserName:   h.Get(HeaderUserName),
		Email:      h.Get(HeaderEmail),
		Roles:      ParseRoles(h.Get(HeaderRoles)),
		Department: h.Get(HeaderDepartment),
		IssuedAt:   unixHeader(h.Get(HeaderIssuedAt)),
		ExpiresAt:  unixHeader(h.Get(HeaderExpiresAt)),
		TokenID:    h.Get(HeaderTokenID),
	}
	if err := c.Validate(); err != nil {
		return Context{}, err
	}
	return c, nil
}

// unixHeader parses a unix-seconds header value. Absent or malformed values
// yield the zero time; the identity fields Validate checks are the only
// hard requirements.
func unixHeader(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// ParseRoles splits a comma-separated role list, trimming whitespace and
// dropping empty entries. Unknown role names are kept; they simply never
// match a requirement.
func ParseRoles(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}

// Package cursor implements the opaque pagination cursors used by every
// list and search tool.
//
// A cursor is the base64 encoding of a small JSON document tagged with the
// family it belongs to: keyset cursors for relational stores ordered by a
// column tuple, doc cursors for document stores ordered by descending id,
// and sort cursors carrying the search-after values of a ranked index.
// Clients must treat cursors as opaque tokens; anything that fails to
// decode or does not match the shape the tool expects is rejected with
// ErrInvalid, which tools surface as an INVALID_CURSOR envelope.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid reports a cursor that could not be decoded or does not match
// the ordering the tool expects.
var ErrInvalid = errors.New("cursor: invalid cursor")

const (
	kindKeyset = "keyset"
	kindDoc    = "doc"
	kindSort   = "sort"
)

type wire struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func encode(kind string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("cursor: marshal: %w", err)
	}
	raw, err := json.Marshal(wire{Kind: kind, Data: data})
	if err != nil {
		return "", fmt.Errorf("cursor: marshal: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

func decode(token, kind string, payload any) error {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("%w: not base64", ErrInvalid)
	}
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return fmt.Errorf("%w: not json", ErrInvalid)
	}
	if w.Kind != kind {
		return fmt.Errorf("%w: kind %q, want %q", ErrInvalid, w.Kind, kind)
	}
	if err := json.Unmarshal(w.Data, payload); err != nil {
		return fmt.Errorf("%w: bad payload", ErrInvalid)
	}
	return nil
}

// Column names one component of a relational sort order. Desc flips the
// keyset comparison for that column.
type Column struct {
	Name string `json:"name"`
	Desc bool   `json:"desc,omitempty"`
}

// Keyset is the resume position of a relational listing: the sort columns
// and the values of the last row already delivered.
type Keyset struct {
	Columns []Column `json:"columns"`
	Values  []any    `json:"values"`
}

// EncodeKeyset serializes a keyset position into an opaque token.
func EncodeKeyset(k Keyset) (string, error) {
	if len(k.Columns) == 0 || len(k.Columns) != len(k.Values) {
		return "", fmt.Errorf("%w: column/value mismatch", ErrInvalid)
	}
	return encode(kindKeyset, k)
}

// DecodeKeyset parses a token and validates it against the ordering the
// tool actually uses. The returned Keyset carries the caller's columns, so
// nothing decoded from the wire ever reaches SQL text.
func DecodeKeyset(token string, order []Column) (*Keyset, error) {
	var k Keyset
	if err := decode(token, kindKeyset, &k); err != nil {
		return nil, err
	}
	if len(k.Columns) != len(order) || len(k.Values) != len(order) {
		return nil, fmt.Errorf("%w: ordering mismatch", ErrInvalid)
	}
	for i, col := range order {
		if k.Columns[i] != col {
			return nil, fmt.Errorf("%w: ordering mismatch at %q", ErrInvalid, k.Columns[i].Name)
		}
	}
	return &Keyset{Columns: order, Values: k.Values}, nil
}

// SQL renders the keyset resume predicate with Postgres placeholders
// starting at start. One placeholder is allocated per column and reused for
// its equality branch:
//
//	(a > $1 OR (a = $1 AND (b < $2 OR (b = $2 AND (c > $3)))))
//
// The final column comparison is strict, so rows equal to the cursor on the
// whole tuple are excluded.
func (k *Keyset) SQL(start int) (string, []any) {
	if len(k.Columns) == 0 {
		return "", nil
	}
	expr := ""
	for i := len(k.Columns) - 1; i >= 0; i-- {
		col := k.Columns[i]
		op := ">"
		if col.Desc {
			op = "<"
		}
		ph := fmt.Sprintf("$%d", start+i)
		if expr == "" {
			expr = fmt.Sprintf("%s %s %s", col.Name, op, ph)
		} else {
			expr = fmt.Sprintf("%s %s %s OR (%s = %s AND (%s))", col.Name, op, ph, col.Name, ph, expr)
		}
	}
	args := make([]any, len(k.Values))
	copy(args, k.Values)
	return "(" + expr + ")", args
}

// OrderBy renders the matching ORDER BY column list.
func OrderBy(order []Column) string {
	parts := make([]string, len(order))
	for i, col := range order {
		dir := "ASC"
		if col.Desc {
			dir = "DESC"
		}
		parts[i] = col.Name + " " + dir
	}
	return strings.Join(parts, ", ")
}

type docPayload struct {
	ID string `json:"id"`
}

// EncodeDocID serializes a document-store position: the id of the last
// document delivered under descending id order.
func EncodeDocID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty id", ErrInvalid)
	}
	return encode(kindDoc, docPayload{ID: id})
}

// DecodeDocID parses a document-store token and returns the last id.
func DecodeDocID(token string) (string, error) {
	var p docPayload
	if err := decode(token, kindDoc, &p); err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", fmt.Errorf("%w: empty id", ErrInvalid)
	}
	return p.ID, nil
}

type sortPayload struct {
	Values []any `json:"values"`
}

// EncodeSortValues serializes a search-after position: the sort values of
// the last hit delivered by a ranked index.
func EncodeSortValues(values []any) (string, error) {
	if len(values) == 0 {
		return "", fmt.Errorf("%w: empty sort values", ErrInvalid)
	}
	return encode(kindSort, sortPayload{Values: values})
}

// DecodeSortValues parses a search-after token, validating the arity
// against the index's sort specification.
func DecodeSortValues(token string, want int) ([]any, error) {
	var p sortPayload
	if err := decode(token, kindSort, &p); err != nil {
		return nil, err
	}
	if len(p.Values) != want {
		return nil, fmt.Errorf("%w: %d sort values, want %d", ErrInvalid, len(p.Values), want)
	}
	return p.Values, nil
}

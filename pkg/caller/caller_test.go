package caller

import (
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"
)

func TestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ctx     Context
		wantErr bool
	}{
		{"complete", Context{UserID: "u-100", Roles: []string{RoleHRRead}}, false},
		{"missing user id", Context{Roles: []string{RoleHRRead}}, true},
		{"no roles", Context{UserID: "u-100"}, true},
		{"empty", Context{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ctx.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrIncomplete) {
				t.Errorf("error = %v, want ErrIncomplete", err)
			}
		})
	}
}

func TestContext_CanInvoke(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required []string
		readOnly bool
		want     bool
	}{
		{
			"exact read role",
			[]string{RoleHRRead}, []string{RoleHRRead}, true, true,
		},
		{
			"missing read role",
			[]string{RoleFinanceRead}, []string{RoleHRRead}, true, false,
		},
		{
			"write requires write role",
			[]string{RoleHRRead}, []string{RoleHRWrite}, false, false,
		},
		{
			"any listed role suffices",
			[]string{RoleHRWrite}, []string{RoleHRWrite, RoleManager}, false, true,
		},
		{
			"manager alone matches a manager-listed tool",
			[]string{RoleManager}, []string{RoleHRWrite, RoleManager}, false, true,
		},
		{
			"manager-only read tool denies plain reader",
			[]string{RoleHRRead}, []string{RoleManager}, true, false,
		},
		{
			"executive reads any domain",
			[]string{RoleExecutive}, []string{RoleSalesRead}, true, true,
		},
		{
			"executive matches read tools whatever they list",
			[]string{RoleExecutive}, []string{RoleManager}, true, true,
		},
		{
			"executive never writes",
			[]string{RoleExecutive}, []string{RoleSalesWrite}, false, false,
		},
		{
			"executive does not help on a write tool listing reads",
			[]string{RoleExecutive}, []string{RoleHRRead, RoleHRWrite}, false, false,
		},
		{
			"executive alone is not a manager on writes",
			[]string{RoleExecutive}, []string{RoleManager}, false, false,
		},
		{
			"unknown role never matches",
			[]string{"hr-admin"}, []string{RoleHRRead}, true, false,
		},
		{
			"no requirements fails closed",
			[]string{RoleSupportRead}, nil, true, false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Context{UserID: "u-100", Roles: tt.roles}
			if got := c.CanInvoke(tt.required, tt.readOnly); got != tt.want {
				t.Errorf("CanInvoke(%v, readOnly=%v) with %v = %v, want %v",
					tt.required, tt.readOnly, tt.roles, got, tt.want)
			}
		})
	}
}

func TestHeaders_RoundTrip(t *testing.T) {
	original := Context{
		UserID:     "u-100",
		UserName:   "Alice Nguyen",
		Email:      "alice@atrium.example",
		Roles:      []string{RoleHRRead, RoleManager},
		Department: "People Ops",
		IssuedAt:   time.Unix(1756100000, 0).UTC(),
		ExpiresAt:  time.Unix(1756103600, 0).UTC(),
		TokenID:    "tok-8841",
	}

	h := http.Header{}
	original.SetHeaders(h)

	if got := h.Get(HeaderRoles); got != "hr-read,manager" {
		t.Errorf("roles header = %q, want %q", got, "hr-read,manager")
	}
	if got := h.Get(HeaderExpiresAt); got != "1756103600" {
		t.Errorf("expires header = %q, want unix seconds", got)
	}

	decoded, err := FromHeaders(h)
	if err != nil {
		t.Fatalf("FromHeaders error: %v", err)
	}
	if !reflect.DeepEqual(decoded, original) {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}
}

func TestHeaders_ToleratesMissingTimestamps(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderUserID, "u-100")
	h.Set(HeaderRoles, RoleHRRead)
	h.Set(HeaderIssuedAt, "not-a-number")

	decoded, err := FromHeaders(h)
	if err != nil {
		t.Fatalf("FromHeaders error: %v", err)
	}
	if !decoded.IssuedAt.IsZero() || !decoded.ExpiresAt.IsZero() {
		t.Errorf("timestamps = %v / %v, want zero", decoded.IssuedAt, decoded.ExpiresAt)
	}
}

func TestFromHeaders_Incomplete(t *testing.T) {
	tests := []struct {
		name string
		prep func(h http.Header)
	}{
		{"no headers", func(h http.Header) {}},
		{"missing user id", func(h http.Header) { h.Set(HeaderRoles, "hr-read") }},
		{"missing roles", func(h http.Header) { h.Set(HeaderUserID, "u-100") }},
		{"blank roles", func(h http.Header) {
			h.Set(HeaderUserID, "u-100")
			h.Set(HeaderRoles, " , ,")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			tt.prep(h)
			if _, err := FromHeaders(h); !errors.Is(err, ErrIncomplete) {
				t.Errorf("error = %v, want ErrIncomplete", err)
			}
		})
	}
}

func TestValidRole(t *testing.T) {
	for _, role := range []string{
		RoleHRRead, RoleHRWrite, RoleFinanceRead, RoleFinanceWrite,
		RoleSalesRead, RoleSalesWrite, RoleSupportRead, RoleSupportWrite,
		RoleManager, RoleExecutive,
	} {
		if !ValidRole(role) {
			t.Errorf("ValidRole(%q) = false, want true", role)
		}
	}
	for _, role := range []string{"", "hr-admin", "HR-READ", "admin", "hr_read"} {
		if ValidRole(role) {
			t.Errorf("ValidRole(%q) = true, want false", role)
		}
	}
}

func TestParseRoles(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"simple", "hr-read,hr-write", []string{"hr-read", "hr-write"}},
		{"spaces", " hr-read , manager ", []string{"hr-read", "manager"}},
		{"empty entries", "hr-read,,manager,", []string{"hr-read", "manager"}},
		{"empty string", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRoles(tt.input); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseRoles(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

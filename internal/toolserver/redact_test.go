package toolserver

import (
	"encoding/json"
	"testing"

	"github.com/atriumhq/atrium/pkg/caller"
)

func TestRedactData(t *testing.T) {
	policies := []FieldPolicy{
		{Field: "salary", Unmask: []string{caller.RoleHRWrite, caller.RoleManager}},
		{Field: "gov_id", Unmask: []string{caller.RoleHRWrite}},
	}
	rows := json.RawMessage(`[
		{"id":"e-1","name":"Ada","salary":185000,"gov_id":"123-45-6789","team":{"lead_salary":0}},
		{"id":"e-2","name":"Lin","salary":92000,"gov_id":"987-65-4321"}
	]`)

	t.Run("reader sees masks", func(t *testing.T) {
		out, err := redactData(rows, policies, caller.Context{UserID: "u", Roles: []string{caller.RoleHRRead}})
		if err != nil {
			t.Fatal(err)
		}
		var decoded []map[string]any
		if err := json.Unmarshal(out, &decoded); err != nil {
			t.Fatal(err)
		}
		for i, row := range decoded {
			if row["salary"] != Masked {
				t.Errorf("row %d salary = %v, want masked", i, row["salary"])
			}
			if row["gov_id"] != Masked {
				t.Errorf("row %d gov_id = %v, want masked", i, row["gov_id"])
			}
			if row["name"] == Masked {
				t.Errorf("row %d name masked, want raw", i)
			}
		}
	})

	t.Run("manager sees salary but not gov_id", func(t *testing.T) {
		out, err := redactData(rows, policies, caller.Context{UserID: "u", Roles: []string{caller.RoleManager}})
		if err != nil {
			t.Fatal(err)
		}
		var decoded []map[string]any
		if err := json.Unmarshal(out, &decoded); err != nil {
			t.Fatal(err)
		}
		if decoded[0]["salary"] != float64(185000) {
			t.Errorf("salary = %v, want 185000", decoded[0]["salary"])
		}
		if decoded[0]["gov_id"] != Masked {
			t.Errorf("gov_id = %v, want masked", decoded[0]["gov_id"])
		}
	})

	t.Run("hr-write sees everything untouched", func(t *testing.T) {
		out, err := redactData(rows, policies, caller.Context{UserID: "u", Roles: []string{caller.RoleHRWrite}})
		if err != nil {
			t.Fatal(err)
		}
		// Fast path: no policy applies, so the raw bytes pass through.
		if string(out) != string(rows) {
			t.Error("fully unmasked payload was rewritten")
		}
	})

	t.Run("nested objects are covered", func(t *testing.T) {
		nested := json.RawMessage(`{"employee":{"salary":50,"deputy":{"salary":40}}}`)
		out, err := redactData(nested, []FieldPolicy{{Field: "salary"}}, caller.Context{UserID: "u"})
		if err != nil {
			t.Fatal(err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(out, &decoded); err != nil {
			t.Fatal(err)
		}
		emp := decoded["employee"].(map[string]any)
		if emp["salary"] != Masked {
			t.Errorf("outer salary = %v", emp["salary"])
		}
		if emp["deputy"].(map[string]any)["salary"] != Masked {
			t.Errorf("inner salary = %v", emp["deputy"].(map[string]any)["salary"])
		}
	})

	t.Run("empty payload passes through", func(t *testing.T) {
		out, err := redactData(nil, []FieldPolicy{{Field: "salary"}}, caller.Context{UserID: "u"})
		if err != nil {
			t.Fatal(err)
		}
		if out != nil {
			t.Errorf("out = %s, want nil", out)
		}
	})
}


package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/pending"
	"github.com/atriumhq/atrium/pkg/caller"
	"github.com/atriumhq/atrium/pkg/envelope"
)

func testCaller() caller.Context {
	return caller.Context{
		UserID: "u-1001",
		Email:  "alice@atrium.example",
		Roles:  []string{caller.RoleHRRead, caller.RoleHRWrite},
	}
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, env *envelope.ToolResponse) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// newTestClient wires a registry and client against one fake tool
// server. The handler receives every request that is not discovery.
func newTestClient(t *testing.T, serverName string, tools []envelope.ToolDescriptor, readTimeout, writeTimeout time.Duration, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := discoveryServer(t, serverName, tools, handler)
	reg := NewRegistry([]config.ToolServerRef{{Name: serverName, URL: srv.URL}}, testLogger(), testMetrics())
	if err := reg.Discover(context.Background()); err != nil {
		srv.Close()
		t.Fatalf("Discover() error = %v", err)
	}
	return NewClient(reg, readTimeout, writeTimeout, testLogger(), testMetrics()), srv
}

func TestClient_InvokeSuccess(t *testing.T) {
	args := []byte(`{"employee_id":"e-42"}`)

	client, srv := newTestClient(t, "hr", hrDescriptors(), time.Second, time.Second,
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("method = %s, want POST", r.Method)
			}
			if r.URL.Path != "/tools/list_employees" {
				t.Errorf("path = %s, want /tools/list_employees", r.URL.Path)
			}
			if got := r.Header.Get(caller.HeaderUserID); got != "u-1001" {
				t.Errorf("user id header = %q, want u-1001", got)
			}
			if got := r.Header.Get(caller.HeaderRoles); got != "hr-read,hr-write" {
				t.Errorf("roles header = %q, want hr-read,hr-write", got)
			}
			if got := r.Header.Get("Content-Type"); got != "application/json" {
				t.Errorf("content type = %q", got)
			}
			body, _ := io.ReadAll(r.Body)
			if string(body) != string(args) {
				t.Errorf("body = %s, want %s", body, args)
			}
			env, err := envelope.Success(map[string]any{"employees": []string{"e-42"}})
			if err != nil {
				t.Fatalf("Success() error = %v", err)
			}
			writeEnvelope(t, w, env)
		})
	defer srv.Close()

	resp := client.Invoke(context.Background(), testCaller(), "list_employees", args)
	if !resp.IsSuccess() {
		t.Fatalf("status = %s, want success (err: %+v)", resp.Status(), resp.Err())
	}
	if !strings.Contains(string(resp.Data()), "e-42") {
		t.Errorf("data = %s, want employee id present", resp.Data())
	}
}

func TestClient_InvokeUnknownTool(t *testing.T) {
	client, srv := newTestClient(t, "hr", hrDescriptors(), time.Second, time.Second, nil)
	defer srv.Close()

	resp := client.Invoke(context.Background(), testCaller(), "launch_rockets", nil)
	if resp.Err() == nil || resp.Err().Code != envelope.CodeNotFound {
		t.Errorf("resp = %+v, want NOT_FOUND error", resp.Err())
	}
}

func TestClient_InvokeTimeout(t *testing.T) {
	client, srv := newTestClient(t, "hr", hrDescriptors(), 30*time.Millisecond, time.Second,
		func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			env, _ := envelope.Success(map[string]any{})
			writeEnvelope(t, w, env)
		})
	defer srv.Close()

	// list_employees is a read tool, so the 30ms read timeout applies.
	resp := client.Invoke(context.Background(), testCaller(), "list_employees", nil)
	if resp.Err() == nil || resp.Err().Code != envelope.CodeTimeout {
		t.Errorf("resp = %+v, want TIMEOUT error", resp.Err())
	}
}

func TestClient_WriteToolUsesWriteTimeout(t *testing.T) {
	client, srv := newTestClient(t, "hr", hrDescriptors(), 10*time.Millisecond, time.Second,
		func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(50 * time.Millisecond)
			writeEnvelope(t, w, envelope.NewPending("c-1", "Confirm deletion of Dana Li.", map[string]any{"action": "delete_employee"}))
		})
	defer srv.Close()

	// delete_employee is a write tool: the 50ms handler delay must fit
	// inside the write timeout even though it exceeds the read timeout.
	resp := client.Invoke(context.Background(), testCaller(), "delete_employee", []byte(`{"employee_id":"e-42"}`))
	if resp.Status() != envelope.StatusPending {
		t.Fatalf("status = %s, want pending (err: %+v)", resp.Status(), resp.Err())
	}
	if resp.Pending().ConfirmationID != "c-1" {
		t.Errorf("confirmation id = %q, want c-1", resp.Pending().ConfirmationID)
	}
}

func TestClient_InvokeUpstreamStatus(t *testing.T) {
	client, srv := newTestClient(t, "hr", hrDescriptors(), time.Second, time.Second,
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "backend down", http.StatusServiceUnavailable)
		})
	defer srv.Close()

	resp := client.Invoke(context.Background(), testCaller(), "list_employees", nil)
	errInfo := resp.Err()
	if errInfo == nil || errInfo.Code != envelope.CodeUpstreamError {
		t.Fatalf("resp = %+v, want UPSTREAM_ERROR", errInfo)
	}
	if !strings.Contains(errInfo.TechnicalDetails, "503") {
		t.Errorf("technical details = %q, want status code recorded", errInfo.TechnicalDetails)
	}
}

func TestClient_InvokeMalformedEnvelope(t *testing.T) {
	client, srv := newTestClient(t, "hr", hrDescriptors(), time.Second, time.Second,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"status":"success","error":{"code":"TIMEOUT","message":"mixed"}}`)
		})
	defer srv.Close()

	resp := client.Invoke(context.Background(), testCaller(), "list_employees", nil)
	if resp.Err() == nil || resp.Err().Code != envelope.CodeProtocolViolation {
		t.Errorf("resp = %+v, want PROTOCOL_VIOLATION", resp.Err())
	}
}

func TestClient_InvokeUnreachable(t *testing.T) {
	client, srv := newTestClient(t, "hr", hrDescriptors(), time.Second, time.Second, nil)
	// Discovery succeeded; now the backend goes away.
	srv.Close()

	resp := client.Invoke(context.Background(), testCaller(), "list_employees", nil)
	if resp.Err() == nil || resp.Err().Code != envelope.CodeUpstreamError {
		t.Errorf("resp = %+v, want UPSTREAM_ERROR", resp.Err())
	}
}

func TestClient_Execute(t *testing.T) {
	confirmation := json.RawMessage(`{"action":"delete_employee","employeeId":"e-42","userId":"u-1001"}`)

	client, srv := newTestClient(t, "hr", hrDescriptors(), time.Second, time.Second,
		func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/execute" {
				t.Errorf("path = %s, want /execute", r.URL.Path)
			}
			if got := r.Header.Get(caller.HeaderUserID); got != "u-1001" {
				t.Errorf("user id header = %q, want u-1001", got)
			}
			body, _ := io.ReadAll(r.Body)
			if string(body) != string(confirmation) {
				t.Errorf("body = %s, want stored confirmation data", body)
			}
			env, _ := envelope.Success(map[string]any{"deleted": true})
			writeEnvelope(t, w, env)
		})
	defer srv.Close()

	action := &pending.Action{
		ConfirmationID: "c-1",
		Action:         "delete_employee",
		Server:         "hr",
		UserID:         "u-1001",
		Data:           confirmation,
	}

	resp := client.Execute(context.Background(), testCaller(), action)
	if !resp.IsSuccess() {
		t.Fatalf("status = %s, want success (err: %+v)", resp.Status(), resp.Err())
	}
}

func TestClient_ExecuteUnknownServer(t *testing.T) {
	client, srv := newTestClient(t, "hr", hrDescriptors(), time.Second, time.Second, nil)
	defer srv.Close()

	action := &pending.Action{
		ConfirmationID: "c-1",
		Action:         "delete_employee",
		Server:         "ghost",
		UserID:         "u-1001",
		Data:           json.RawMessage(`{}`),
	}

	resp := client.Execute(context.Background(), testCaller(), action)
	if resp.Err() == nil || resp.Err().Code != envelope.CodeUpstreamError {
		t.Errorf("resp = %+v, want UPSTREAM_ERROR", resp.Err())
	}
}

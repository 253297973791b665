package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/automata/internal/action"
	"github.com/pitabwire/automata/internal/engine"
	"github.com/pitabwire/automata/internal/rules"
	"github.com/pitabwire/automata/internal/store"
	"github.com/pitabwire/automata/model"
)

type noopHandler struct{}

func (noopHandler) Type() string                         { return "noop" }
func (noopHandler) ConfigSchema() json.RawMessage        { return json.RawMessage(`{}`) }
func (noopHandler) ValidateConfig(json.RawMessage) error { return nil }
func (noopHandler) Execute(context.Context, *model.TriggerContext, json.RawMessage) (model.ActionResult, error) {
	return model.ActionResult{}, nil
}

type passEvaluator struct{}

func (passEvaluator) Evaluate(string, map[string]any) (bool, error) { return true, nil }
func (passEvaluator) Compile(string) error                          { return nil }

func testServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := action.NewRegistry()
	reg.Register(noopHandler{})

	executor := engine.NewActionExecutor(st, reg)
	matcher := engine.NewTriggerMatcher(st, passEvaluator{}, nil, nil)
	eng := engine.NewEngine(st, matcher, executor, nil, nil)
	svc := rules.NewService(st, reg, passEvaluator{}, nil)

	router := NewRouter(Dependencies{Rules: svc, Engine: eng})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	blob, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRuleLifecycleOverHTTP(t *testing.T) {
	srv, _ := testServer(t)

	rule := map[string]any{
		"collection_id": "deals",
		"name":          "notify on create",
		"active":        true,
		"trigger_type":  "ON_CREATE",
		"actions": []map[string]any{
			{"type": "noop", "active": true, "execution_order": 1},
		},
	}

	resp := postJSON(t, srv.URL+"/v1/tenants/t1/rules", rule)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created model.Rule
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created rule: %v", err)
	}
	if created.Version != 1 || created.TenantID != "t1" {
		t.Errorf("created = v%d tenant %s, want v1 tenant t1", created.Version, created.TenantID)
	}

	getResp, err := http.Get(srv.URL + "/v1/tenants/t1/rules/" + created.ID)
	if err != nil {
		t.Fatalf("GET rule: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d, want 200", getResp.StatusCode)
	}

	// Cross-tenant access must 404.
	otherResp, err := http.Get(srv.URL + "/v1/tenants/t2/rules/" + created.ID)
	if err != nil {
		t.Fatalf("GET rule cross-tenant: %v", err)
	}
	defer otherResp.Body.Close()
	if otherResp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-tenant status = %d, want 404", otherResp.StatusCode)
	}
}

func TestCreateRuleValidationErrorOverHTTP(t *testing.T) {
	srv, _ := testServer(t)

	rule := map[string]any{
		"collection_id": "deals",
		"name":          "bad trigger",
		"trigger_type":  "ON_SNEEZE",
	}
	resp := postJSON(t, srv.URL+"/v1/tenants/t1/rules", rule)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}

	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error == nil || body.Error.Code != model.ErrValidationError {
		t.Errorf("error body = %+v, want VALIDATION_ERROR", body.Error)
	}
}

func TestMutationEndpointFiresRules(t *testing.T) {
	srv, st := testServer(t)

	rule := map[string]any{
		"collection_id": "deals",
		"name":          "on create",
		"active":        true,
		"trigger_type":  "ON_CREATE",
		"actions": []map[string]any{
			{"type": "noop", "active": true, "execution_order": 1},
		},
	}
	if resp := postJSON(t, srv.URL+"/v1/tenants/t1/rules", rule); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status = %d", resp.StatusCode)
	}

	event := map[string]any{
		"tenant_id":     "t1",
		"collection_id": "deals",
		"record_id":     "rec-1",
		"operation":     "CREATE",
		"phase":         "AFTER",
		"new_record":    map[string]any{"status": "open"},
	}
	resp := postJSON(t, srv.URL+"/v1/mutations", event)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("mutation status = %d, want 202", resp.StatusCode)
	}

	logs, err := st.ExecutionLogs(context.Background(), "t1", model.ExecutionLogFilters{})
	if err != nil {
		t.Fatalf("ExecutionLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Errorf("execution logs = %d, want 1", len(logs))
	}
}

func TestManualRunEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	rule := map[string]any{
		"collection_id": "deals",
		"name":          "manual job",
		"active":        true,
		"trigger_type":  "MANUAL",
		"actions": []map[string]any{
			{"type": "noop", "active": true, "execution_order": 1},
		},
	}
	resp := postJSON(t, srv.URL+"/v1/tenants/t1/rules", rule)
	var created model.Rule
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created rule: %v", err)
	}

	runResp := postJSON(t, srv.URL+"/v1/tenants/t1/rules/"+created.ID+"/run", map[string]any{"user_id": "u1"})
	if runResp.StatusCode != http.StatusOK {
		t.Fatalf("run status = %d, want 200", runResp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(runResp.Body).Decode(&out); err != nil {
		t.Fatalf("decode run response: %v", err)
	}
	if out["execution_log_id"] == "" {
		t.Error("execution_log_id is empty")
	}
}

func TestActionLogsTenantScopedOverHTTP(t *testing.T) {
	srv, _ := testServer(t)

	rule := map[string]any{
		"collection_id": "deals",
		"name":          "manual job",
		"active":        true,
		"trigger_type":  "MANUAL",
		"actions": []map[string]any{
			{"type": "noop", "active": true, "execution_order": 1},
		},
	}
	resp := postJSON(t, srv.URL+"/v1/tenants/t1/rules", rule)
	var created model.Rule
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created rule: %v", err)
	}

	runResp := postJSON(t, srv.URL+"/v1/tenants/t1/rules/"+created.ID+"/run", map[string]any{})
	var run map[string]string
	if err := json.NewDecoder(runResp.Body).Decode(&run); err != nil {
		t.Fatalf("decode run response: %v", err)
	}
	logID := run["execution_log_id"]

	ownResp, err := http.Get(srv.URL + "/v1/tenants/t1/execution-logs/" + logID + "/actions")
	if err != nil {
		t.Fatalf("GET action logs: %v", err)
	}
	defer ownResp.Body.Close()
	if ownResp.StatusCode != http.StatusOK {
		t.Errorf("own-tenant status = %d, want 200", ownResp.StatusCode)
	}

	// A firing's action logs are invisible from any other tenant's path.
	otherResp, err := http.Get(srv.URL + "/v1/tenants/t2/execution-logs/" + logID + "/actions")
	if err != nil {
		t.Fatalf("GET action logs cross-tenant: %v", err)
	}
	defer otherResp.Body.Close()
	if otherResp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-tenant status = %d, want 404", otherResp.StatusCode)
	}
}

func doDelete(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatalf("build DELETE %s: %v", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPurgeLogsIsPlatformScoped(t *testing.T) {
	srv, st := testServer(t)

	rule := map[string]any{
		"collection_id": "deals",
		"name":          "on create",
		"active":        true,
		"trigger_type":  "ON_CREATE",
		"actions": []map[string]any{
			{"type": "noop", "active": true, "execution_order": 1},
		},
	}
	if resp := postJSON(t, srv.URL+"/v1/tenants/t1/rules", rule); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status = %d", resp.StatusCode)
	}
	event := map[string]any{
		"tenant_id":     "t1",
		"collection_id": "deals",
		"record_id":     "rec-1",
		"operation":     "CREATE",
		"phase":         "AFTER",
		"new_record":    map[string]any{},
	}
	if resp := postJSON(t, srv.URL+"/v1/mutations", event); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("mutation status = %d", resp.StatusCode)
	}

	// The tenant subtree no longer carries the purge route.
	if resp := doDelete(t, srv.URL+"/v1/tenants/t1/execution-logs?before=2030-01-01T00:00:00Z"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("tenant-path purge status = %d, want 405", resp.StatusCode)
	}

	resp := doDelete(t, srv.URL+"/v1/execution-logs?before=2030-01-01T00:00:00Z")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("purge status = %d, want 200", resp.StatusCode)
	}
	var out map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode purge response: %v", err)
	}
	if out["removed"] != 1 {
		t.Errorf("removed = %d, want 1", out["removed"])
	}

	logs, err := st.ExecutionLogs(context.Background(), "t1", model.ExecutionLogFilters{})
	if err != nil {
		t.Fatalf("ExecutionLogs: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("execution logs after purge = %d, want 0", len(logs))
	}
}

func TestActionSchemasEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/v1/action-schemas")
	if err != nil {
		t.Fatalf("GET action-schemas: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var schemas map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&schemas); err != nil {
		t.Fatalf("decode schemas: %v", err)
	}
	if _, ok := schemas["noop"]; !ok {
		t.Errorf("schemas = %v, want noop entry", schemas)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nidhogg/taskforge/internal/agent"
	"github.com/nidhogg/taskforge/internal/capability"
	"github.com/nidhogg/taskforge/internal/conversation"
	"github.com/nidhogg/taskforge/internal/executor"
	"github.com/nidhogg/taskforge/internal/metrics"
	"github.com/nidhogg/taskforge/internal/oracle"
	"github.com/nidhogg/taskforge/internal/planner"
	"github.com/nidhogg/taskforge/internal/provider"
	"github.com/nidhogg/taskforge/internal/store"
	"go.uber.org/zap"
)

// scriptedProvider answers planning prompts with a fixed plan and
// everything else with a fixed sentence.
type scriptedProvider struct {
	planErr error
}

func (p *scriptedProvider) ID() string   { return "scripted" }
func (p *scriptedProvider) Name() string { return "Scripted" }

func (p *scriptedProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	if len(req.Messages) > 0 && strings.Contains(req.Messages[0].Content, "task planner") {
		if p.planErr != nil {
			return nil, p.planErr
		}
		return &provider.ChatResponse{Content: "```json\n" + `{"steps": [
			{"step_number": 1, "description": "echo input", "capability": "echo", "inputs": {"text": "hi"}},
			{"step_number": 2, "description": "wrap up", "dependencies": [1]}
		]}` + "\n```", Model: "scripted-1"}, nil
	}
	return &provider.ChatResponse{Content: "all done", Model: "scripted-1"}, nil
}

func (p *scriptedProvider) HealthCheck(context.Context) error { return nil }

type testEnv struct {
	h    *Handler
	ts   *httptest.Server
	runs *store.SQLite
}

func newTestEnv(t *testing.T, prov *scriptedProvider, withStore bool) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	router := provider.NewRouter(logger)
	router.Register(prov)
	o := oracle.NewRouted(router, oracle.Options{}, logger)

	reg := capability.NewRegistry(0, logger)
	reg.Register(capability.Capability{Name: "echo", Description: "returns its text"},
		func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["text"]}, nil
		})

	ex := executor.New(reg, o, executor.Options{}, logger)
	collector := metrics.NewCollector()
	ex.AddObserver(collector)
	mem := conversation.NewManager(8000, nil, o, logger)
	a := agent.New(planner.New(o, logger), ex, reg, mem, agent.Options{}, logger)

	env := &testEnv{}
	var runs store.RunStore
	if withStore {
		s, err := store.NewSQLite(context.Background(), ":memory:", logger)
		if err != nil {
			t.Fatalf("sqlite: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		a.AddSink("sqlite", agent.SinkFunc(s.SaveRun))
		env.runs = s
		runs = s
	}

	env.h = NewHandler(a, router, runs, collector.Handler(), logger)
	env.ts = httptest.NewServer(env.h.Router())
	t.Cleanup(env.ts.Close)
	return env
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func deleteReq(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("DELETE", ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, false)
	resp := getJSON(t, env.ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestListCapabilitiesAndProviders(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, false)

	var caps []capability.Capability
	decodeJSON(t, getJSON(t, env.ts, "/api/capabilities"), &caps)
	if len(caps) != 1 || caps[0].Name != "echo" {
		t.Errorf("capabilities = %+v", caps)
	}

	var provs []providerStatus
	decodeJSON(t, getJSON(t, env.ts, "/api/providers?check=true"), &provs)
	if len(provs) != 1 || provs[0].ID != "scripted" || !provs[0].Default || provs[0].Healthy == nil || !*provs[0].Healthy {
		t.Errorf("providers = %+v", provs)
	}
}

func TestCreatePlan(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, false)
	resp := postJSON(t, env.ts, "/api/plans", goalRequest{Goal: "say hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var p struct {
		Goal  string `json:"goal"`
		Steps []struct {
			Number     int    `json:"step_number"`
			Capability string `json:"capability_needed"`
			Status     string `json:"status"`
		} `json:"steps"`
	}
	decodeJSON(t, resp, &p)
	if p.Goal != "say hi" || len(p.Steps) != 2 || p.Steps[0].Capability != "echo" || p.Steps[1].Status != "pending" {
		t.Errorf("plan = %+v", p)
	}
}

func TestCreatePlanValidation(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, false)
	if resp := postJSON(t, env.ts, "/api/plans", goalRequest{}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty goal status = %d", resp.StatusCode)
	}
	resp, _ := http.Post(env.ts.URL+"/api/plans", "application/json", strings.NewReader("{not json"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json status = %d", resp.StatusCode)
	}
}

func TestCreateRunAndHistory(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, true)

	resp := postJSON(t, env.ts, "/api/runs", goalRequest{Goal: "say hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out executor.Outcome
	decodeJSON(t, resp, &out)
	if !out.Success || out.RunID == "" {
		t.Fatalf("outcome = %+v", out.Failure)
	}
	if out.Plan.Steps[0].Outputs["echo"] != "hi" {
		t.Errorf("step 1 outputs = %v", out.Plan.Steps[0].Outputs)
	}

	var runs []store.RunSummary
	decodeJSON(t, getJSON(t, env.ts, "/api/runs"), &runs)
	if len(runs) != 1 || runs[0].ID != out.RunID || !runs[0].Success {
		t.Errorf("runs = %+v", runs)
	}

	var stored executor.Outcome
	decodeJSON(t, getJSON(t, env.ts, "/api/runs/"+out.RunID), &stored)
	if stored.Goal != "say hi" || len(stored.Plan.Steps) != 2 {
		t.Errorf("stored run = %+v", stored)
	}

	if resp := getJSON(t, env.ts, "/api/runs/missing"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d", resp.StatusCode)
	}

	var steps []store.StepRow
	decodeJSON(t, getJSON(t, env.ts, "/api/runs/"+out.RunID+"/steps"), &steps)
	if len(steps) != 2 || steps[0].Capability != "echo" || steps[1].Status != "done" {
		t.Errorf("steps = %+v", steps)
	}
	if len(steps) == 2 && (len(steps[1].Dependencies) != 1 || steps[1].Dependencies[0] != 1) {
		t.Errorf("step 2 dependencies = %v", steps[1].Dependencies)
	}
	if resp := getJSON(t, env.ts, "/api/runs/missing/steps"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing run steps status = %d", resp.StatusCode)
	}

	resp = getJSON(t, env.ts, "/api/metrics")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `taskforge_runs_total{result="success"} 1`) {
		t.Errorf("metrics missing run:\n%s", body)
	}
}

func TestCreateRunPlanningFailure(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{planErr: errors.New("rate limited")}, false)
	resp := postJSON(t, env.ts, "/api/runs", goalRequest{Goal: "say hi"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestRunsWithoutStore(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, false)
	if resp := getJSON(t, env.ts, "/api/runs"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestConversationRoutes(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, false)
	postJSON(t, env.ts, "/api/runs", goalRequest{Goal: "say hi"}).Body.Close()

	var msgs []conversation.Message
	decodeJSON(t, getJSON(t, env.ts, "/api/conversation"), &msgs)
	if len(msgs) != 3 || msgs[0].Content != "say hi" || msgs[2].Content != "all done" {
		t.Fatalf("conversation = %+v", msgs)
	}

	var usage struct {
		Usage conversation.Usage `json:"usage"`
		Stats conversation.Stats `json:"stats"`
	}
	decodeJSON(t, getJSON(t, env.ts, "/api/conversation/usage"), &usage)
	if usage.Usage.Max != 8000 || usage.Usage.Total == 0 || usage.Stats.Messages != 3 {
		t.Errorf("usage = %+v", usage)
	}

	resp := postJSON(t, env.ts, "/api/conversation/summarize", summarizeRequest{TargetRatio: 1.5})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad ratio status = %d", resp.StatusCode)
	}
	var sum map[string]interface{}
	decodeJSON(t, postJSON(t, env.ts, "/api/conversation/summarize", summarizeRequest{TargetRatio: 0.5}), &sum)
	if _, ok := sum["summarized"].(bool); !ok {
		t.Errorf("summarize body = %v", sum)
	}

	if resp := deleteReq(t, env.ts, "/api/conversation?keep_system=false"); resp.StatusCode != http.StatusOK {
		t.Errorf("clear status = %d", resp.StatusCode)
	}
	decodeJSON(t, getJSON(t, env.ts, "/api/conversation"), &msgs)
	if len(msgs) != 0 {
		t.Errorf("conversation not cleared: %d messages", len(msgs))
	}
}

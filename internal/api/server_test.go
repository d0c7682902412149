package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"qadeck/server/internal/db"
	"qadeck/server/internal/global"
	"qadeck/server/internal/orchestrator"
	"qadeck/server/internal/portpool"
	"qadeck/server/internal/queueengine"
	"qadeck/server/internal/sessions"
	"qadeck/server/internal/state"
)

type scriptedRemote struct {
	body      string
	cancelErr error
}

func (f *scriptedRemote) StartTask(ctx context.Context, task, serverURL string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func (f *scriptedRemote) CancelTask(ctx context.Context, taskID string) error {
	return f.cancelErr
}

type registryHooks struct {
	reg *sessions.Registry
}

func (h registryHooks) MarkTaskRun(sessionID string) error { return h.reg.MarkTaskRun(sessionID) }

func (h registryHooks) Touch(sessionID string) error {
	sess, ok := h.reg.Get(sessionID)
	if !ok {
		return nil
	}
	return h.reg.Touch(sess.BackendID, sessionID)
}

type testEnv struct {
	ts       *httptest.Server
	store    *state.Store
	registry *sessions.Registry
	backends global.BackendsConfig
}

func newTestEnv(t *testing.T, remote orchestrator.Remote) *testEnv {
	t.Helper()
	sqlDB, err := db.OpenSQLiteWithMigrations(filepath.Join(t.TempDir(), "qadeck.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteWithMigrations failed: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	store := state.NewStore(sqlDB)

	backends := global.BackendsConfig{Backends: []global.BackendConfig{{
		ID:         "default",
		Host:       "http://127.0.0.1",
		Capacity:   4,
		NeedsPorts: true,
		Ports: []global.PortPairConfig{
			{Control: 8882, Display: 10000},
			{Control: 8883, Display: 10001},
			{Control: 8884, Display: 10002},
			{Control: 8885, Display: 10003},
		},
	}}}
	pool := portpool.New(backends.PoolInventory())
	registry, err := sessions.NewRegistry(store, pool, nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Remote:   remote,
		Runs:     store,
		Sessions: registryHooks{reg: registry},
	})

	engine := queueengine.New(state.NewEngineStore(store), queueengine.Options{
		StepDelay: time.Millisecond,
		Draw:      func() float64 { return 0.1 },
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = engine.Run(ctx) }()

	srv := NewServer(Deps{
		Backends:  backends,
		Sessions:  registry,
		Tasks:     orch,
		Engine:    engine,
		Runs:      store,
		WorkItems: store,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: store, registry: registry, backends: backends}
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var envelope struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if !envelope.OK {
		t.Fatalf("expected ok=true, got error code %q", envelope.Error.Code)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			t.Fatalf("decode data failed: %v", err)
		}
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var envelope struct {
		OK    bool `json:"ok"`
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error response failed: %v", err)
	}
	if envelope.OK {
		t.Fatal("expected ok=false")
	}
	return envelope.Error.Code
}

// sseFrames splits an SSE body into its data payloads.
func sseFrames(body string) []string {
	var out []string
	for _, record := range strings.Split(body, "\n\n") {
		record = strings.TrimSpace(record)
		if payload, ok := strings.CutPrefix(record, "data: "); ok {
			out = append(out, payload)
		}
	}
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, &scriptedRemote{})
	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var data struct {
		Status string `json:"status"`
	}
	decodeData(t, resp, &data)
	if data.Status != "ok" {
		t.Fatalf("status = %q", data.Status)
	}
}

func TestSessions_CreateListRelease(t *testing.T) {
	env := newTestEnv(t, &scriptedRemote{})

	var sess sessions.Session
	resp := postJSON(t, env.ts.URL+"/api/v1/sessions", `{"backendId":"default"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	decodeData(t, resp, &sess)
	if sess.ID == "" || sess.Ports == nil {
		t.Fatalf("unexpected session payload: %+v", sess)
	}
	if sess.Ports.ControlPort != 8882 {
		t.Fatalf("first session got control port %d, want 8882", sess.Ports.ControlPort)
	}
	if !strings.HasSuffix(sess.ServerURL, ":8882/sse") {
		t.Fatalf("serverUrl = %q", sess.ServerURL)
	}

	var list struct {
		Sessions []sessions.Session `json:"sessions"`
	}
	listResp, err := http.Get(env.ts.URL + "/api/v1/sessions?backendId=default")
	if err != nil {
		t.Fatalf("GET sessions failed: %v", err)
	}
	decodeData(t, listResp, &list)
	if len(list.Sessions) != 1 {
		t.Fatalf("session count = %d", len(list.Sessions))
	}

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/api/v1/sessions/"+sess.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE session failed: %v", err)
	}
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", delResp.StatusCode)
	}
	_ = delResp.Body.Close()

	if got := env.registry.List("default"); len(got) != 0 {
		t.Fatalf("sessions remaining after release: %d", len(got))
	}
}

func TestSessions_CapacityExceeded(t *testing.T) {
	env := newTestEnv(t, &scriptedRemote{})

	for range 4 {
		resp := postJSON(t, env.ts.URL+"/api/v1/sessions", `{"backendId":"default"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		_ = resp.Body.Close()
	}

	resp := postJSON(t, env.ts.URL+"/api/v1/sessions", `{"backendId":"default"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "CAPACITY_EXCEEDED" {
		t.Fatalf("error code = %q", code)
	}
}

func TestSessions_UnknownBackend(t *testing.T) {
	env := newTestEnv(t, &scriptedRemote{})
	resp := postJSON(t, env.ts.URL+"/api/v1/sessions", `{"backendId":"nope"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "BACKEND_NOT_FOUND" {
		t.Fatalf("error code = %q", code)
	}
}

func TestTasks_StartStreamsAndPersists(t *testing.T) {
	remote := &scriptedRemote{body: "data: {\"type\":\"task\",\"taskId\":\"remote-1\",\"message\":\"queued\"}\n\n" +
		"data: {\"type\":\"success\",\"message\":\"scenario finished\"}\n\n" +
		"data: [DONE]\n\n"}
	env := newTestEnv(t, remote)

	var sess sessions.Session
	decodeData(t, postJSON(t, env.ts.URL+"/api/v1/sessions", `{"backendId":"default"}`), &sess)

	resp := postJSON(t, env.ts.URL+"/api/v1/tasks", `{"task":"open the dashboard","sessionId":"`+sess.ID+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read stream failed: %v", err)
	}

	frames := sseFrames(string(raw))
	if len(frames) == 0 || frames[len(frames)-1] != "[DONE]" {
		t.Fatalf("stream must end with the [DONE] marker, got %v", frames)
	}

	var taskID string
	for _, frame := range frames[:len(frames)-1] {
		var evt struct {
			Type   string `json:"type"`
			TaskID string `json:"taskId"`
		}
		if err := json.Unmarshal([]byte(frame), &evt); err != nil {
			t.Fatalf("frame %q is not JSON: %v", frame, err)
		}
		if evt.Type == "task" && evt.TaskID != "" && evt.TaskID != "remote-1" {
			taskID = evt.TaskID
		}
	}
	if taskID == "" {
		t.Fatalf("no task id announced in stream: %v", frames)
	}

	var run runView
	getResp, err := http.Get(env.ts.URL + "/api/v1/tasks/" + taskID)
	if err != nil {
		t.Fatalf("GET task failed: %v", err)
	}
	decodeData(t, getResp, &run)
	if run.Status != state.RunStatusCompleted {
		t.Fatalf("status = %q, want %q", run.Status, state.RunStatusCompleted)
	}
	if run.StartedAt == "" || run.CompletedAt == "" {
		t.Fatalf("timestamps missing: %+v", run)
	}
	if _, err := time.Parse(time.RFC3339, run.StartedAt); err != nil {
		t.Fatalf("startedAt not RFC3339: %q", run.StartedAt)
	}

	var log struct {
		ConsoleLog []logEntryView `json:"consoleLog"`
	}
	logResp, err := http.Get(env.ts.URL + "/api/v1/tasks/" + taskID + "/log")
	if err != nil {
		t.Fatalf("GET task log failed: %v", err)
	}
	decodeData(t, logResp, &log)
	var sawFinished, sawCompleted bool
	for _, entry := range log.ConsoleLog {
		if entry.Message == "scenario finished" {
			sawFinished = true
		}
		if entry.Message == "Task completed." {
			sawCompleted = true
		}
	}
	if !sawFinished || !sawCompleted {
		t.Fatalf("console log incomplete: %+v", log.ConsoleLog)
	}

	// A completed task marks its session.
	got, ok := env.registry.Get(sess.ID)
	if !ok || !got.HasRunTask {
		t.Fatalf("session hasRunTask not set: %+v", got)
	}
}

func TestTasks_ListBucketsByStatus(t *testing.T) {
	remote := &scriptedRemote{body: "data: [DONE]\n\n"}
	env := newTestEnv(t, remote)

	resp := postJSON(t, env.ts.URL+"/api/v1/tasks", `{"task":"quick check","serverUrl":"http://127.0.0.1:8882/sse"}`)
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var buckets map[string][]runView
	listResp, err := http.Get(env.ts.URL + "/api/v1/tasks")
	if err != nil {
		t.Fatalf("GET tasks failed: %v", err)
	}
	decodeData(t, listResp, &buckets)
	if len(buckets[state.RunStatusCompleted]) != 1 {
		t.Fatalf("completed bucket = %+v", buckets)
	}
	if len(buckets[state.RunStatusFailed]) != 0 {
		t.Fatalf("failed bucket = %+v", buckets[state.RunStatusFailed])
	}
}

func TestTasks_InvalidRequest(t *testing.T) {
	env := newTestEnv(t, &scriptedRemote{})
	resp := postJSON(t, env.ts.URL+"/api/v1/tasks", `{"task":"   "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "INVALID_REQUEST" {
		t.Fatalf("error code = %q", code)
	}
}

func TestTasks_CancelNotActive(t *testing.T) {
	env := newTestEnv(t, &scriptedRemote{})
	resp := postJSON(t, env.ts.URL+"/api/v1/tasks/nope/cancel", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "TASK_NOT_ACTIVE" {
		t.Fatalf("error code = %q", code)
	}
}

func TestWorkItems_UpsertEnqueueAndStats(t *testing.T) {
	env := newTestEnv(t, &scriptedRemote{})

	var item workItemView
	resp := postJSON(t, env.ts.URL+"/api/v1/workitems", `{"reference":"QA-101","title":"Login flow","steps":["open login","enter credentials","submit"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	decodeData(t, resp, &item)
	if item.ID == "" || item.Status != state.ItemStatusReady || len(item.Steps) != 3 {
		t.Fatalf("unexpected work item: %+v", item)
	}

	enqResp := postJSON(t, env.ts.URL+"/api/v1/workitems/"+item.ID+"/enqueue", `{}`)
	if enqResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", enqResp.StatusCode)
	}
	_ = enqResp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	var detail struct {
		WorkItem workItemView      `json:"workItem"`
		History  []workItemRunView `json:"history"`
	}
	for {
		getResp, err := http.Get(env.ts.URL + "/api/v1/workitems/" + item.ID)
		if err != nil {
			t.Fatalf("GET work item failed: %v", err)
		}
		decodeData(t, getResp, &detail)
		if detail.WorkItem.TotalRuns == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("work item never finished a run: %+v", detail.WorkItem)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if detail.WorkItem.Status != state.ItemStatusReady || detail.WorkItem.LastResult != queueengine.ResultPassed {
		t.Fatalf("unexpected stats: %+v", detail.WorkItem)
	}
	if detail.WorkItem.PassCount != 1 || detail.WorkItem.FailCount != 0 {
		t.Fatalf("counters = %d/%d", detail.WorkItem.PassCount, detail.WorkItem.FailCount)
	}
	if len(detail.History) != 1 {
		t.Fatalf("history length = %d", len(detail.History))
	}
	var stepResults []queueengine.StepResult
	if err := json.Unmarshal(detail.History[0].StepResults, &stepResults); err != nil {
		t.Fatalf("step results not JSON: %v", err)
	}
	if len(stepResults) != 3 {
		t.Fatalf("step results = %+v", stepResults)
	}
}

func TestWorkItems_EnqueueUnknown(t *testing.T) {
	env := newTestEnv(t, &scriptedRemote{})
	resp := postJSON(t, env.ts.URL+"/api/v1/workitems/missing/enqueue", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "WORKITEM_NOT_FOUND" {
		t.Fatalf("error code = %q", code)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewrad8/foreman/internal/history"
	"github.com/drewrad8/foreman/internal/orchestrator"
	"github.com/drewrad8/foreman/internal/templates"
	"github.com/drewrad8/foreman/internal/tmux"
)

type apiFixture struct {
	handler  *Handler
	registry *orchestrator.Registry
	runner   *tmux.FakeRunner
	server   *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	projects := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(projects, "strategos"), 0755))

	store, err := history.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runner := tmux.NewFakeRunner()
	registry := orchestrator.NewRegistry(orchestrator.Config{
		ProjectsDir: projects,
		StateDir:    t.TempDir(),
		Command:     "echo agent",
		MaxRunning:  12,
		RingSize:    4096,
	}, runner, store, orchestrator.NewHub())
	t.Cleanup(func() { registry.Shutdown(context.Background()) })

	tmpls, err := templates.Load()
	require.NoError(t, err)

	handler := NewHandler(registry, tmpls)
	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)

	return &apiFixture{handler: handler, registry: registry, runner: runner, server: server}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAPI_CRUDHappyPath(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "POST", "/workers", SpawnRequest{ProjectPath: "strategos", Label: "TEST: a", AutoAccept: true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, strings.ToLower(string(raw)), "ralphtoken")

	var worker orchestrator.Worker
	require.NoError(t, json.Unmarshal(raw, &worker))
	assert.Equal(t, orchestrator.StatusRunning, worker.Status)
	assert.True(t, worker.AutoAccept)
	assert.Empty(t, worker.DependsOn)

	resp = f.do(t, "GET", "/workers/"+worker.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[orchestrator.Worker](t, resp)
	assert.Equal(t, worker.ID, got.ID)
	assert.Equal(t, worker.Label, got.Label)

	resp = f.do(t, "PATCH", "/workers/"+worker.ID, PatchRequest{Label: "TEST: a2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/workers/"+worker.ID, nil)
	got = decode[orchestrator.Worker](t, resp)
	assert.Equal(t, "TEST: a2", got.Label)

	resp = f.do(t, "DELETE", "/workers/"+worker.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[SuccessResponse](t, resp).Success)

	resp = f.do(t, "GET", "/workers/"+worker.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SpawnValidation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name string
		req  SpawnRequest
	}{
		{"missing project", SpawnRequest{Label: "x"}},
		{"path traversal", SpawnRequest{ProjectPath: "../etc", Label: "x"}},
		{"oversized label", SpawnRequest{ProjectPath: "strategos", Label: strings.Repeat("a", 201)}},
		{"control chars", SpawnRequest{ProjectPath: "strategos", Label: "bad\x01"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, "POST", "/workers", tc.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.Equal(t, "validation_error", body.Code)
			assert.NotEmpty(t, body.Field)
		})
	}
}

func TestAPI_DuplicateConflict(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "POST", "/workers", SpawnRequest{ProjectPath: "strategos", Label: "TEST: dup"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, "POST", "/workers", SpawnRequest{ProjectPath: "strategos", Label: "TEST: dup"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "duplicate", decode[ErrorResponse](t, resp).Code)
}

func TestAPI_CapacityExceeded(t *testing.T) {
	f := newAPIFixture(t)
	f.registry.SetMaxRunning(1)

	resp := f.do(t, "POST", "/workers", SpawnRequest{ProjectPath: "strategos", Label: "one"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, "POST", "/workers", SpawnRequest{ProjectPath: "strategos", Label: "two"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
}

func TestAPI_InputEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "POST", "/workers", SpawnRequest{ProjectPath: "strategos", Label: "typing"})
	worker := decode[orchestrator.Worker](t, resp)

	resp = f.do(t, "POST", "/workers/"+worker.ID+"/input", InputRequest{Input: "hello\n"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"hello", "\r"}, f.runner.Inputs[tmux.SessionName(worker.ID)])

	resp = f.do(t, "POST", "/workers/"+worker.ID+"/input", InputRequest{Input: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "POST", "/workers/deadbeef/input", InputRequest{Input: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SettingsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "POST", "/workers", SpawnRequest{ProjectPath: "strategos", Label: "settings"})
	worker := decode[orchestrator.Worker](t, resp)

	resp = f.do(t, "POST", "/workers/"+worker.ID+"/settings", SettingsRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "empty settings payload rejected")

	paused := true
	resp = f.do(t, "POST", "/workers/"+worker.ID+"/settings", SettingsRequest{AutoAcceptPaused: &paused})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[orchestrator.Worker](t, resp).AutoAcceptPaused)
}

func TestAPI_CompleteAndDismiss(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "POST", "/workers", SpawnRequest{ProjectPath: "strategos", Label: "lifecycle"})
	worker := decode[orchestrator.Worker](t, resp)

	// Dismiss before complete: illegal transition.
	resp = f.do(t, "POST", "/workers/"+worker.ID+"/dismiss", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, "POST", "/workers/"+worker.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[CompleteResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, orchestrator.StatusAwaitingReview, body.Worker.Status)

	resp = f.do(t, "POST", "/workers/"+worker.ID+"/dismiss", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/workers/"+worker.ID, nil)
	assert.Equal(t, orchestrator.StatusCompleted, decode[orchestrator.Worker](t, resp).Status)
}

func TestAPI_TemplatesEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "GET", "/workers/templates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tmpls := decode[map[string]templates.Template](t, resp)
	for _, name := range []string{"research", "impl", "test", "review", "fix", "general", "colonel"} {
		assert.Contains(t, tmpls, name)
	}
}

func TestAPI_SpawnFromTemplate(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "POST", "/workers/spawn-from-template", SpawnFromTemplateRequest{
		Template:    "fix",
		Label:       "bugfix",
		ProjectPath: "strategos",
		Task:        "nil pointer in the sweeper",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	worker := decode[orchestrator.Worker](t, resp)
	assert.True(t, worker.AutoAccept, "inherited from the template")
	require.NotNil(t, worker.Task)
	assert.Equal(t, "fix", worker.Task.Type)

	inputs := f.runner.Inputs[tmux.SessionName(worker.ID)]
	require.NotEmpty(t, inputs, "rendered prompt delivered as initial input")
	assert.Contains(t, inputs[0], "nil pointer in the sweeper")
	assert.NotContains(t, inputs[0], "{{task}}")

	resp = f.do(t, "POST", "/workers/spawn-from-template", SpawnFromTemplateRequest{
		Template: "nope", ProjectPath: "strategos", Task: "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_OutputAndHistory(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "POST", "/workers", SpawnRequest{ProjectPath: "strategos", Label: "chatty"})
	worker := decode[orchestrator.Worker](t, resp)

	store := f.registry.Store()
	for i := 1; i <= 5; i++ {
		require.NoError(t, store.AppendSegment(worker.ID, uint64(i), []byte(fmt.Sprintf("line %d\n", i)), worker.CreatedAt))
	}
	store.Flush()

	resp = f.do(t, "GET", "/workers/"+worker.ID+"/history?offset=1&limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[HistoryResponse](t, resp)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, uint64(2), page.Entries[0].Seq)
	assert.Equal(t, "line 2\n", page.Entries[0].Data)

	resp = f.do(t, "GET", "/workers/"+worker.ID+"/output", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/workers/deadbeef/history", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Relations(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "POST", "/workers", SpawnRequest{ProjectPath: "strategos", Label: "parent"})
	parent := decode[orchestrator.Worker](t, resp)

	resp = f.do(t, "POST", "/workers", SpawnRequest{ProjectPath: "strategos", Label: "child", ParentWorkerID: parent.ID})
	child := decode[orchestrator.Worker](t, resp)

	resp = f.do(t, "GET", "/workers/"+parent.ID+"/children", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	children := decode[[]orchestrator.Worker](t, resp)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)

	resp = f.do(t, "GET", "/workers/"+child.ID+"/siblings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]orchestrator.Worker](t, resp))

	resp = f.do(t, "GET", "/workers/deadbeef/dependencies", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t)

	spawned := f.do(t, "POST", "/workers", SpawnRequest{ProjectPath: "strategos", Label: "probe-me"})
	require.Equal(t, http.StatusCreated, spawned.StatusCode)

	resp := f.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Workers)
	assert.Equal(t, 1, body.Running)
	assert.Equal(t, 12, body.MaxRunning)
	assert.Equal(t, 1, body.Health[string(orchestrator.HealthStarting)])
}

func TestAPI_Checkpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "POST", "/workers", SpawnRequest{ProjectPath: "strategos", Label: "doomed"})
	worker := decode[orchestrator.Worker](t, resp)

	resp = f.do(t, "DELETE", "/workers/"+worker.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/checkpoints", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cps := decode[[]history.Checkpoint](t, resp)
	require.Len(t, cps, 1, "delete of a live worker leaves a checkpoint")
	assert.Equal(t, worker.ID, cps[0].WorkerID)
}

func TestAuth_Middleware(t *testing.T) {
	f := newAPIFixture(t)
	server := httptest.NewServer(withAuth("sekrit", f.handler.Routes()))
	defer server.Close()

	resp, err := http.Get(server.URL + "/workers")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest("GET", server.URL+"/workers", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	// Health stays open for probes.
	resp3, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestCORS_Middleware(t *testing.T) {
	f := newAPIFixture(t)
	server := httptest.NewServer(withCORS("http://localhost:3000", f.handler.Routes()))
	defer server.Close()

	req, _ := http.NewRequest("OPTIONS", server.URL+"/workers", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	// Foreign origins get no CORS grant.
	req2, _ := http.NewRequest("GET", server.URL+"/workers", nil)
	req2.Header.Set("Origin", "http://evil.example")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/caffeineduck/manifold/internal/wasmtest"
	"github.com/caffeineduck/manifold/launcher"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// library exports a function and has no entry point, so it stays running.
func library() []byte {
	b := wasmtest.New()
	b.ExportFunc("noop", b.Func(nil, nil, nil))
	return b.Build()
}

func setupTestServer(t *testing.T) (*launcher.Launcher, http.Handler) {
	t.Helper()

	reg := prometheus.NewRegistry()
	l, err := launcher.New(
		launcher.WithDataRoot(t.TempDir()),
		launcher.WithLocations(fstest.MapFS{
			"library.wasm": &fstest.MapFile{Data: library()},
		}),
		launcher.WithMetrics(reg),
	)
	if err != nil {
		t.Fatalf("failed to create launcher: %v", err)
	}
	t.Cleanup(func() { l.Close(context.Background()) })

	return l, newServer(l, reg, zap.NewNop())
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func waitState(t *testing.T, h http.Handler, id, state string) instanceView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		w := do(h, http.MethodGet, "/instances/"+id, "")
		var v instanceView
		json.NewDecoder(w.Body).Decode(&v)
		if v.State == state {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("instance %s never reached %s, last %+v", id, state, v)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, h := setupTestServer(t)

	w := do(h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("expected 'ok', got %q", w.Body.String())
	}
}

func TestLaunchAndStop(t *testing.T) {
	l, h := setupTestServer(t)

	w := do(h, http.MethodPost, "/instances", `{"module": "library", "label": "first"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var created instanceView
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.ID != 1 || created.Module != "library" || created.Label != "first" {
		t.Errorf("unexpected instance: %+v", created)
	}

	waitState(t, h, "1", "running")

	w = do(h, http.MethodGet, "/instances", "")
	var list []instanceView
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(list))
	}

	w = do(h, http.MethodDelete, "/instances/1", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", w.Code)
	}
	if l.Registry().Len() != 0 {
		t.Error("instance still registered after delete")
	}

	w = do(h, http.MethodGet, "/instances/1", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestLaunchFailureVisible(t *testing.T) {
	_, h := setupTestServer(t)

	w := do(h, http.MethodPost, "/instances", `{"module": "absent"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", w.Code)
	}

	v := waitState(t, h, "1", "stopped")
	if !strings.Contains(v.Error, "module not found") {
		t.Errorf("expected module not found error, got %q", v.Error)
	}
}

func TestBadRequests(t *testing.T) {
	_, h := setupTestServer(t)

	tests := []struct {
		method, path, body string
		status             int
	}{
		{http.MethodPost, "/instances", "not json", http.StatusBadRequest},
		{http.MethodPost, "/instances", `{}`, http.StatusBadRequest},
		{http.MethodGet, "/instances/abc", "", http.StatusBadRequest},
		{http.MethodGet, "/instances/0", "", http.StatusBadRequest},
		{http.MethodDelete, "/instances/9", "", http.StatusNotFound},
		{http.MethodPut, "/instances", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		w := do(h, tt.method, tt.path, tt.body)
		if w.Code != tt.status {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.status, w.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := setupTestServer(t)

	do(h, http.MethodPost, "/instances", `{"module": "library"}`)
	waitState(t, h, "1", "running")

	w := do(h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"manifold_instance_registered 1", `manifold_image_cache_lookups_total{result="miss"} 1`} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics should contain %q", name)
		}
	}
}

func TestConsoleCommands(t *testing.T) {
	l, _ := setupTestServer(t)
	ctx := context.Background()
	var out bytes.Buffer

	if _, err := runConsoleCommand(ctx, l, "start library", &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "started instance 1") {
		t.Errorf("unexpected output %q", out.String())
	}

	out.Reset()
	runConsoleCommand(ctx, l, "list", &out)
	if !strings.Contains(out.String(), "library") || !strings.Contains(out.String(), "running") {
		t.Errorf("list should show the running instance, got:\n%s", out.String())
	}

	if _, err := runConsoleCommand(ctx, l, "start absent", &out); err == nil {
		t.Error("expected error starting missing module")
	}
	if _, err := runConsoleCommand(ctx, l, "stop 1", &out); err != nil {
		t.Errorf("stop: %v", err)
	}
	if _, err := runConsoleCommand(ctx, l, "stop x", &out); err == nil {
		t.Error("expected error for bad id")
	}
	if _, err := runConsoleCommand(ctx, l, "bogus", &out); err == nil {
		t.Error("expected error for unknown command")
	}

	out.Reset()
	runConsoleCommand(ctx, l, "stopall", &out)
	if l.Registry().Len() != 0 {
		t.Errorf("stopall left %d instances", l.Registry().Len())
	}

	quit, err := runConsoleCommand(ctx, l, "quit", &out)
	if err != nil || !quit {
		t.Errorf("expected quit, got %v %v", quit, err)
	}
}

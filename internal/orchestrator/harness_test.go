package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/taskrelay/internal/capability"
	"github.com/aristath/taskrelay/internal/persistence"
	"github.com/aristath/taskrelay/internal/registry"
	"github.com/aristath/taskrelay/internal/task"
	"github.com/aristath/taskrelay/internal/taskmanager"
	"github.com/aristath/taskrelay/internal/transport"
	"github.com/aristath/taskrelay/internal/worker"
)

// countingCapability wraps a function and counts calls.
type countingCapability struct {
	calls atomic.Int32
	fn    capability.Func
}

func (c *countingCapability) Evaluate(ctx context.Context, in capability.Input) (capability.Output, error) {
	c.calls.Add(1)
	return c.fn(ctx, in)
}

// testWorker is one worker served over HTTP.
type testWorker struct {
	cap  *countingCapability
	host *worker.Host
	url  string
}

func (w *testWorker) Calls() int {
	return int(w.cap.calls.Load())
}

func startWorker(t *testing.T, w worker.Worker, fn capability.Func, streaming bool) *testWorker {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c := &countingCapability{fn: fn}
	host := worker.NewHost(w, c, taskmanager.New(string(w.Role()), store), 5*time.Second,
		worker.DescriptorConfig{Name: "test-" + string(w.Role()), Streaming: streaming})
	srv := httptest.NewServer(transport.NewServer(ctx, host, nil).Handler())
	t.Cleanup(srv.Close)
	return &testWorker{cap: c, host: host, url: srv.URL}
}

// testWorkers is a full set of pipeline workers.
type testWorkers struct {
	safety, processor, critic *testWorker
	registry                  *registry.Registry
}

func startWorkers(t *testing.T, safety, processor, critic capability.Func, streaming bool) *testWorkers {
	t.Helper()
	ws := &testWorkers{
		safety:    startWorker(t, worker.SafetyWorker{}, safety, streaming),
		processor: startWorker(t, worker.ProcessorWorker{}, processor, streaming),
		critic:    startWorker(t, worker.CriticWorker{}, critic, streaming),
		registry:  registry.New(),
	}
	ws.registry.Register(worker.RoleSafety, transport.NewClient(ws.safety.url))
	ws.registry.Register(worker.RoleProcessor, transport.NewClient(ws.processor.url))
	ws.registry.Register(worker.RoleCritic, transport.NewClient(ws.critic.url))
	return ws
}

func newPipeline(t *testing.T, reg *registry.Registry, cfg Config) *Pipeline {
	t.Helper()
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = fastRetry(3)
	}
	p, err := New(reg, cfg)
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p
}

func safeVerdict(ctx context.Context, in capability.Input) (capability.Output, error) {
	return capability.Output{Data: map[string]any{"is_safe": true, "confidence": 0.98}}, nil
}

func injectionVerdict(ctx context.Context, in capability.Input) (capability.Output, error) {
	return capability.Output{Data: map[string]any{
		"is_safe":     false,
		"confidence":  0.91,
		"explanation": "prompt injection detected",
	}}, nil
}

func paris(ctx context.Context, in capability.Input) (capability.Output, error) {
	return capability.Output{Text: "Paris"}, nil
}

func correct(ctx context.Context, in capability.Input) (capability.Output, error) {
	return capability.Output{
		Text: "Correct and complete",
		Data: map[string]any{"rating": 5, "explanation": "Correct and complete"},
	}, nil
}

// rawWorker serves a descriptor for w and answers sends with reply.
func rawWorker(t *testing.T, w worker.Worker, reply func(req transport.TaskRequest) any) string {
	t.Helper()
	card := worker.Descriptor(w, worker.DescriptorConfig{Name: "raw-" + string(w.Role())})
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case transport.PathAgentCard:
			json.NewEncoder(rw).Encode(card)
		case transport.PathSend:
			var req transport.TaskRequest
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(rw).Encode(reply(req))
		default:
			json.NewEncoder(rw).Encode(&task.Task{ID: "x", State: task.StateCanceled})
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

// completedTask builds a completed task carrying artifacts.
func completedTask(req transport.TaskRequest, artifacts ...task.Artifact) *task.Task {
	return &task.Task{
		ID:        req.TaskID,
		State:     task.StateCompleted,
		History:   []task.Message{req.Message},
		Artifacts: artifacts,
		Version:   4,
	}
}

// sendProxy forwards every request to a worker and lets a test interfere
// with sends. onSend gets the 1-based send number and the forwarding handler.
type sendProxy struct {
	sends atomic.Int32
	url   string
}

func (p *sendProxy) Sends() int {
	return int(p.sends.Load())
}

func startSendProxy(t *testing.T, target string, onSend func(n int, rw http.ResponseWriter, r *http.Request, forward http.Handler)) *sendProxy {
	t.Helper()
	u, err := url.Parse(target)
	if err != nil {
		t.Fatalf("bad target %q: %v", target, err)
	}
	forward := httputil.NewSingleHostReverseProxy(u)
	p := &sendProxy{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == transport.PathSend {
			onSend(int(p.sends.Add(1)), rw, r, forward)
			return
		}
		forward.ServeHTTP(rw, r)
	}))
	t.Cleanup(srv.Close)
	p.url = srv.URL
	return p
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/cache"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/monitor"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/queue"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/ratelimit"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/repo"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/session"
)

var now = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

type fakeRepo struct {
	// capture args
	gotLimit  int
	gotOffset int

	// behavior
	items []model.Outcome
	err   error
}

var _ repo.OutcomeRepository = (*fakeRepo)(nil)

func (f *fakeRepo) AppendOutcome(ctx context.Context, o model.Outcome) error {
	return errors.New("not implemented")
}

func (f *fakeRepo) RecordFailure(ctx context.Context, r model.FailureRecord) error {
	return errors.New("not implemented")
}

func (f *fakeRepo) ListOutcomes(ctx context.Context, limit, offset int) ([]model.Outcome, error) {
	f.gotLimit = limit
	f.gotOffset = offset
	return f.items, f.err
}

type passGate struct{ reasons []string }

func (g passGate) Evaluate(ctx context.Context, recipient string, payload model.Payload, now time.Time) model.ComplianceDecision {
	if len(g.reasons) > 0 {
		return model.ComplianceDecision{Reasons: g.reasons}
	}
	return model.ComplianceDecision{Passed: true, Warnings: []string{"no personalization"}}
}

type noopDispatcher struct{}

func (noopDispatcher) Deliver(ctx context.Context, item *model.QueueItem, now time.Time) (model.DeliveryResult, error) {
	return model.DeliveryResult{Status: model.Sent, RemoteID: "r"}, nil
}

type fakeReceipts map[string]cache.SentValue

func (f fakeReceipts) LookupSent(ctx context.Context, itemID string) (cache.SentValue, error) {
	v, ok := f[itemID]
	if !ok {
		return cache.SentValue{}, cache.ErrMiss
	}
	return v, nil
}

type testEnv struct {
	mux      http.Handler
	queue    *queue.Queue
	monitor  *monitor.Monitor
	sessions *session.Tracker
	repo     *fakeRepo
}

func newTestServer(t *testing.T, gate queue.Gate) *testEnv {
	t.Helper()

	if gate == nil {
		gate = passGate{}
	}
	clock := func() time.Time { return now }

	reg := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(reg)
	mon := monitor.New(monitor.DefaultConfig(), metrics, nil).WithClock(clock)
	limiter := ratelimit.NewLimiter(ratelimit.Config{Location: time.UTC}, nil)
	tracker := session.NewTracker(session.NewMemoryStore(), 0)

	q, err := queue.New(queue.Config{}, queue.Deps{
		Gate:       gate,
		Limiter:    limiter,
		Dispatcher: noopDispatcher{},
		Monitor:    mon,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("queue.New() error: %v", err)
	}
	q.WithClock(clock, nil)
	t.Cleanup(func() { q.Stop() })

	fr := &fakeRepo{}
	h := NewHandler(Deps{
		Queue:    q,
		Sessions: tracker,
		Monitor:  mon,
		Limiter:  limiter,
		Outcomes: fr,
		Receipts: fakeReceipts{"done-1": {RemoteMessageID: "wamid.1", SentAt: now}},
		Gatherer: reg,
		Clock:    clock,
	})

	return &testEnv{mux: Router(h), queue: q, monitor: mon, sessions: tracker, repo: fr}
}

func do(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func TestHealth(t *testing.T) {
	env := newTestServer(t, nil)

	rr := do(t, env.mux, http.MethodGet, "/v1/health", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}

	body := decodeJSON(t, rr)
	if v, ok := body["ok"].(bool); !ok || !v {
		t.Fatalf("expected {ok:true}, got %v", body)
	}
}

func TestEnqueueMessage_Accepted(t *testing.T) {
	env := newTestServer(t, nil)

	rr := do(t, env.mux, http.MethodPost, "/v1/messages", `{"recipient":"62811","payload":{"text":"Halo Bapak"},"priority":"high"}`)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	item, ok := body["item"].(map[string]any)
	if !ok {
		t.Fatalf("expected item object, got %v", body)
	}
	if id, _ := item["id"].(string); id == "" {
		t.Fatalf("expected assigned id, got %v", item)
	}
	if item["priority"] != "high" {
		t.Fatalf("expected priority high, got %v", item["priority"])
	}
	if w, _ := item["warnings"].([]any); len(w) != 1 {
		t.Fatalf("expected gate warnings echoed, got %v", item["warnings"])
	}
	if env.queue.Len() != 1 {
		t.Fatalf("expected 1 queued item, got %d", env.queue.Len())
	}
}

func TestEnqueueMessage_RateLimitedReturnsRetryAfter(t *testing.T) {
	env := newTestServer(t, nil)

	first := do(t, env.mux, http.MethodPost, "/v1/messages", `{"recipient":"62811","payload":{"text":"Halo Bapak"}}`)
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%q", first.Code, first.Body.String())
	}

	rr := do(t, env.mux, http.MethodPost, "/v1/messages", `{"recipient":"62811","payload":{"text":"Halo lagi Bapak"}}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if body["stage"] != queue.StageRateLimit {
		t.Fatalf("expected stage %q, got %v", queue.StageRateLimit, body["stage"])
	}
	if ra, ok := body["retryAfterSeconds"].(float64); !ok || ra != 2 {
		t.Fatalf("expected retryAfterSeconds=2, got %v", body["retryAfterSeconds"])
	}
}

func TestEnqueueMessage_ComplianceRejected(t *testing.T) {
	env := newTestServer(t, passGate{reasons: []string{"prohibited content"}})

	rr := do(t, env.mux, http.MethodPost, "/v1/messages", `{"recipient":"62811","payload":{"text":"100% gratis"}}`)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if body["reason"] != "prohibited content" {
		t.Fatalf("expected reason echoed, got %v", body)
	}
	if _, ok := body["retryAfterSeconds"]; ok {
		t.Fatalf("expected no retryAfterSeconds for a compliance rejection, got %v", body)
	}
}

func TestEnqueueMessage_BadRequests(t *testing.T) {
	env := newTestServer(t, nil)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"recipient":`},
		{"unknown field", `{"recipient":"62811","payload":{"text":"x"},"colour":"red"}`},
		{"missing recipient", `{"payload":{"text":"Halo"}}`},
		{"empty payload", `{"recipient":"62811","payload":{}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, env.mux, http.MethodPost, "/v1/messages", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%q", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestGetAndCancelMessage(t *testing.T) {
	env := newTestServer(t, nil)

	rr := do(t, env.mux, http.MethodPost, "/v1/messages", `{"recipient":"62811","payload":{"text":"Halo Bapak"}}`)
	id := decodeJSON(t, rr)["item"].(map[string]any)["id"].(string)

	rr = do(t, env.mux, http.MethodGet, "/v1/messages/"+id, "")
	if rr.Code != http.StatusOK || decodeJSON(t, rr)["status"] != "pending" {
		t.Fatalf("expected pending message, got %d body=%q", rr.Code, rr.Body.String())
	}

	rr = do(t, env.mux, http.MethodDelete, "/v1/messages/"+id, "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body=%q", rr.Code, rr.Body.String())
	}

	rr = do(t, env.mux, http.MethodDelete, "/v1/messages/"+id, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second cancel, got %d", rr.Code)
	}

	rr = do(t, env.mux, http.MethodGet, "/v1/messages/"+id, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after cancel, got %d", rr.Code)
	}
}

func TestGetMessage_SentFromCache(t *testing.T) {
	env := newTestServer(t, nil)

	rr := do(t, env.mux, http.MethodGet, "/v1/messages/done-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if body["status"] != "sent" || body["remoteMessageId"] != "wamid.1" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestInbound_OpensWindow(t *testing.T) {
	env := newTestServer(t, nil)

	rr := do(t, env.mux, http.MethodPost, "/v1/inbound", `{"conversation":"62811"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if open, ok := decodeJSON(t, rr)["windowOpen"].(bool); !ok || !open {
		t.Fatalf("expected windowOpen=true, got %q", rr.Body.String())
	}

	ok, err := env.sessions.ReplyWindowOpen(context.Background(), "62811", now.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("expected reply window open an hour later, got %v %v", ok, err)
	}

	rr = do(t, env.mux, http.MethodPost, "/v1/inbound", `{"conversation":"62812","at":"2026-03-01T10:00:00Z"}`)
	if open, _ := decodeJSON(t, rr)["windowOpen"].(bool); open {
		t.Fatalf("expected an old inbound to leave the window closed, got %q", rr.Body.String())
	}

	rr = do(t, env.mux, http.MethodPost, "/v1/inbound", `{"conversation":" "}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty conversation, got %d", rr.Code)
	}
}

func TestQueueEndpoints(t *testing.T) {
	env := newTestServer(t, nil)

	// Initially should be false.
	{
		rr := do(t, env.mux, http.MethodGet, "/v1/queue/status", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
		}
		body := decodeJSON(t, rr)
		if running, ok := body["running"].(bool); !ok || running {
			t.Fatalf("expected running=false, got %v", body)
		}
		if paused, ok := body["paused"].(bool); !ok || paused {
			t.Fatalf("expected paused=false, got %v", body)
		}
		if _, ok := body["limits"].(map[string]any); !ok {
			t.Fatalf("expected limits snapshot, got %v", body)
		}
	}

	// Start
	{
		rr := do(t, env.mux, http.MethodPost, "/v1/queue/start", "")
		body := decodeJSON(t, rr)
		if running, ok := body["running"].(bool); !ok || !running {
			t.Fatalf("expected running=true after start, got %v", body)
		}
	}

	// Stop
	{
		rr := do(t, env.mux, http.MethodPost, "/v1/queue/stop", "")
		body := decodeJSON(t, rr)
		if running, ok := body["running"].(bool); !ok || running {
			t.Fatalf("expected running=false after stop, got %v", body)
		}
	}
}

func TestEmergencyClear(t *testing.T) {
	env := newTestServer(t, nil)

	for range 10 {
		env.monitor.RecordOutcome("62811", false)
	}
	if !env.monitor.Paused(now) {
		t.Fatalf("expected monitor to be paused")
	}

	rr := do(t, env.mux, http.MethodPost, "/v1/emergency/clear", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if paused, ok := decodeJSON(t, rr)["paused"].(bool); !ok || paused {
		t.Fatalf("expected paused=false, got %q", rr.Body.String())
	}
	if env.monitor.Paused(now) {
		t.Fatalf("expected pause lifted")
	}
}

func TestListOutcomes_DefaultsAndArgs(t *testing.T) {
	env := newTestServer(t, nil)
	env.repo.items = []model.Outcome{
		{ItemID: "a1", Recipient: "62811", Status: model.Sent, Attempts: 1, At: now},
	}

	// No query params => defaults (limit=50, offset=0)
	rr := do(t, env.mux, http.MethodGet, "/v1/messages/outcomes", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if env.repo.gotLimit != 50 || env.repo.gotOffset != 0 {
		t.Fatalf("expected repo called with limit=50 offset=0, got limit=%d offset=%d", env.repo.gotLimit, env.repo.gotOffset)
	}

	body := decodeJSON(t, rr)
	items, ok := body["items"].([]any)
	if !ok {
		t.Fatalf("expected items array, got %T %v", body["items"], body)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
}

func TestListOutcomes_ParsesLimitOffset(t *testing.T) {
	env := newTestServer(t, nil)

	rr := do(t, env.mux, http.MethodGet, "/v1/messages/outcomes?limit=10&offset=5", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if env.repo.gotLimit != 10 || env.repo.gotOffset != 5 {
		t.Fatalf("expected limit=10 offset=5, got limit=%d offset=%d", env.repo.gotLimit, env.repo.gotOffset)
	}
	if items, ok := decodeJSON(t, rr)["items"].([]any); !ok || len(items) != 0 {
		t.Fatalf("expected empty items array, got %q", rr.Body.String())
	}
}

func TestListOutcomes_RepoError(t *testing.T) {
	env := newTestServer(t, nil)
	env.repo.err = errors.New("db down")

	rr := do(t, env.mux, http.MethodGet, "/v1/messages/outcomes", "")

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t, nil)

	do(t, env.mux, http.MethodPost, "/v1/messages", `{"recipient":"62811","payload":{"text":"Halo Bapak"}}`)

	rr := do(t, env.mux, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "umroh_delivery_queue_depth 1") {
		t.Fatalf("expected queue depth gauge in output, got %q", rr.Body.String())
	}
}

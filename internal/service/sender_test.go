package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/client"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/service"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/session"
)

var now = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

func TestSender_MarksSentOn202(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/exists":
			_ = json.NewEncoder(w).Encode(map[string]any{"exists": true})
		case "/send":
			if r.Method != http.MethodPost {
				t.Errorf("expected POST, got %s", r.Method)
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"message":   "Accepted",
				"messageId": "67f2f8a8-ea58-4ed0-a6f9-ff217df4d849",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	tracker := session.NewTracker(session.NewMemoryStore(), 0)
	sender := service.NewSender(client.NewWebhookClient(srv.URL), tracker)

	var (
		mu        sync.Mutex
		sentIDs   []string
		remoteIDs []string
	)

	sender.WithHooks(
		func(ctx context.Context, item *model.QueueItem, remoteMessageID string, sentAt time.Time) error {
			mu.Lock()
			defer mu.Unlock()
			sentIDs = append(sentIDs, item.ID)
			remoteIDs = append(remoteIDs, remoteMessageID)
			return nil
		},
		func(ctx context.Context, item *model.QueueItem, reason string) error {
			t.Errorf("did not expect failure hook, got id=%s reason=%s", item.ID, reason)
			return nil
		},
	)

	item := &model.QueueItem{ID: "a1", Recipient: "62811", Payload: model.Payload{Text: "Halo Bapak"}, Attempts: 1}
	res, err := sender.Deliver(context.Background(), item, now)
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if res.Status != model.Sent {
		t.Fatalf("expected status sent, got %q", res.Status)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(sentIDs) != 1 || sentIDs[0] != "a1" {
		t.Fatalf("expected sent hook for id=a1, got %+v", sentIDs)
	}
	if len(remoteIDs) != 1 || remoteIDs[0] == "" {
		t.Fatalf("expected remote messageId, got %+v", remoteIDs)
	}

	s, err := tracker.Get(context.Background(), "62811")
	if err != nil {
		t.Fatalf("expected business-initiated session after first send: %v", err)
	}
	if s.Initiator != model.InitiatedByBusiness {
		t.Fatalf("expected business initiator, got %q", s.Initiator)
	}
}

type fakeTransport struct {
	mu         sync.Mutex
	exists     bool
	existsErrs []error
	sendErr    error
	sent       []model.Payload
	checks     int
}

func (f *fakeTransport) Send(ctx context.Context, recipient string, payload model.Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, payload)
	return "remote", nil
}

func (f *fakeTransport) Exists(ctx context.Context, recipient string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if len(f.existsErrs) > 0 {
		err := f.existsErrs[0]
		f.existsErrs = f.existsErrs[1:]
		return false, err
	}
	return f.exists, nil
}

func expiredTracker(t *testing.T) *session.Tracker {
	t.Helper()

	tr := session.NewTracker(session.NewMemoryStore(), 24*time.Hour)
	if _, err := tr.RecordInbound(context.Background(), "62811", now.Add(-25*time.Hour)); err != nil {
		t.Fatalf("RecordInbound() error: %v", err)
	}
	return tr
}

func TestSender_ExpiredWindowRejectsFreeForm(t *testing.T) {
	t.Parallel()

	tp := &fakeTransport{exists: true}
	sender := service.NewSender(tp, expiredTracker(t))

	item := &model.QueueItem{ID: "a1", Recipient: "62811", Payload: model.Payload{Text: "Halo Bapak"}, Attempts: 1}
	res, err := sender.Deliver(context.Background(), item, now)
	if !errors.Is(err, service.ErrTemplateRequired) {
		t.Fatalf("expected ErrTemplateRequired, got %v", err)
	}
	if res.Status != model.Rejected {
		t.Fatalf("expected rejected, got %q", res.Status)
	}
	if len(tp.sent) != 0 {
		t.Fatalf("expected nothing sent, got %v", tp.sent)
	}
}

func TestSender_ExpiredWindowFallsBackToTemplate(t *testing.T) {
	t.Parallel()

	tp := &fakeTransport{exists: true}
	sender := service.NewSender(tp, expiredTracker(t))

	item := &model.QueueItem{
		ID:        "a1",
		Recipient: "62811",
		Payload: model.Payload{
			Text:     "Halo Bapak, jadwal keberangkatan sudah keluar",
			Template: &model.TemplateRef{Name: "jadwal_keberangkatan", Parameters: []string{"Bapak"}},
		},
		Attempts: 1,
	}
	res, err := sender.Deliver(context.Background(), item, now)
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if res.Status != model.Sent {
		t.Fatalf("expected sent, got %q", res.Status)
	}
	if len(tp.sent) != 1 || tp.sent[0].IsFreeForm() || !tp.sent[0].HasTemplate() {
		t.Fatalf("expected templated variant sent, got %+v", tp.sent)
	}
}

func TestSender_OpenWindowSendsFreeForm(t *testing.T) {
	t.Parallel()

	tr := session.NewTracker(session.NewMemoryStore(), 24*time.Hour)
	if _, err := tr.RecordInbound(context.Background(), "62811", now.Add(-23*time.Hour)); err != nil {
		t.Fatalf("RecordInbound() error: %v", err)
	}

	tp := &fakeTransport{exists: true}
	sender := service.NewSender(tp, tr)

	item := &model.QueueItem{ID: "a1", Recipient: "62811", Payload: model.Payload{Text: "Halo Bapak"}, Attempts: 1}
	if _, err := sender.Deliver(context.Background(), item, now); err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if len(tp.sent) != 1 || tp.sent[0].Text != "Halo Bapak" {
		t.Fatalf("expected free-form text sent, got %+v", tp.sent)
	}
}

func TestSender_UnknownRecipientRejected(t *testing.T) {
	t.Parallel()

	tp := &fakeTransport{exists: false}
	sender := service.NewSender(tp, session.NewTracker(session.NewMemoryStore(), 0))

	item := &model.QueueItem{ID: "a1", Recipient: "62899", Payload: model.Payload{Text: "Halo"}, Attempts: 1}
	res, err := sender.Deliver(context.Background(), item, now)
	if !errors.Is(err, service.ErrNotOnPlatform) {
		t.Fatalf("expected ErrNotOnPlatform, got %v", err)
	}
	if res.Status != model.Rejected {
		t.Fatalf("expected rejected, got %q", res.Status)
	}
}

func TestSender_ExistsCheckedOnlyOnFirstAttempt(t *testing.T) {
	t.Parallel()

	tp := &fakeTransport{exists: true, sendErr: errors.New("timeout")}
	sender := service.NewSender(tp, session.NewTracker(session.NewMemoryStore(), 0))

	item := &model.QueueItem{ID: "a1", Recipient: "62811", Payload: model.Payload{Text: "Halo"}}
	for attempt := 1; attempt <= 3; attempt++ {
		item.Attempts = attempt
		res, err := sender.Deliver(context.Background(), item, now)
		if err == nil || res.Status != model.Failed {
			t.Fatalf("attempt %d: expected failure, got %+v %v", attempt, res, err)
		}
	}
	if tp.checks != 1 {
		t.Fatalf("expected a single Exists call, got %d", tp.checks)
	}
}

func TestSender_ExistsRecheckedAfterFailedCheck(t *testing.T) {
	t.Parallel()

	tp := &fakeTransport{exists: true, existsErrs: []error{errors.New("gateway timeout")}}
	sender := service.NewSender(tp, session.NewTracker(session.NewMemoryStore(), 0))

	item := &model.QueueItem{ID: "a1", Recipient: "62811", Payload: model.Payload{Text: "Halo"}, Attempts: 1}
	res, err := sender.Deliver(context.Background(), item, now)
	if err == nil || res.Status != model.Failed {
		t.Fatalf("expected failed check, got %+v %v", res, err)
	}
	if item.ExistsChecked {
		t.Fatalf("expected recipient to stay unchecked after a failed check")
	}

	item.Attempts = 2
	if _, err := sender.Deliver(context.Background(), item, now); err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if tp.checks != 2 {
		t.Fatalf("expected Exists to be called again on attempt 2, got %d calls", tp.checks)
	}
	if !item.ExistsChecked {
		t.Fatalf("expected recipient marked as checked")
	}
}

func TestSender_CarriesCaptionAndOptions(t *testing.T) {
	t.Parallel()

	tp := &fakeTransport{exists: true}
	sender := service.NewSender(tp, session.NewTracker(session.NewMemoryStore(), 0))

	item := &model.QueueItem{
		ID:        "a1",
		Recipient: "62811",
		Payload:   model.Payload{MediaURL: "https://cdn.example.com/brosur.jpg"},
		Caption:   "Brosur paket Ramadhan untuk Bapak",
		Options:   map[string]string{"viewOnce": "false"},
		Attempts:  1,
	}
	if _, err := sender.Deliver(context.Background(), item, now); err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if len(tp.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(tp.sent))
	}
	got := tp.sent[0]
	if got.Caption != "Brosur paket Ramadhan untuk Bapak" {
		t.Fatalf("expected caption forwarded, got %q", got.Caption)
	}
	if got.Options["viewOnce"] != "false" {
		t.Fatalf("expected options forwarded, got %v", got.Options)
	}
	if item.Payload.Caption != "" {
		t.Fatalf("expected stored payload untouched, got caption %q", item.Payload.Caption)
	}
}

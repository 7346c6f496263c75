package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/client"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/events"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/monitor"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/ratelimit"
)

const (
	DefaultMaxAttempts = 3
	DefaultJitterMin   = 3 * time.Second
	DefaultJitterMax   = 5 * time.Second

	StageCompliance = "compliance"
	StageRateLimit  = "rate_limit"
	StageDispatch   = "dispatch"

	pausePoll = 30 * time.Second
)

var (
	ErrNotFound    = errors.New("queue item not found")
	ErrInvalidItem = errors.New("invalid queue item")
)

// RejectionError is returned by Enqueue when an item is refused. The item is
// never queued in that case.
type RejectionError struct {
	Stage      string
	Reason     string
	RetryAfter time.Duration
	Warnings   []string
}

func (e *RejectionError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", e.Stage, e.Reason, e.RetryAfter.Round(100*time.Millisecond))
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Reason)
}

type Gate interface {
	Evaluate(ctx context.Context, recipient string, payload model.Payload, now time.Time) model.ComplianceDecision
}

type Limiter interface {
	CheckAndReserve(recipient string, now time.Time) ratelimit.Decision
	NextAllowed(recipient string) time.Time
	RecordAttempt(recipient string, at time.Time)
	RecordSent(recipient string, at time.Time)
	RecordFailed(recipient string)
	RecordBlocked(recipient string)
}

type Dispatcher interface {
	Deliver(ctx context.Context, item *model.QueueItem, now time.Time) (model.DeliveryResult, error)
}

type Monitor interface {
	RecordOutcome(recipient string, success bool)
	RecordBlocked(recipient string)
	Paused(now time.Time) bool
}

type OutcomeStore interface {
	AppendOutcome(ctx context.Context, o model.Outcome) error
	RecordFailure(ctx context.Context, f model.FailureRecord) error
}

type Config struct {
	MaxAttempts int
	HumanPacing bool
	JitterMin   time.Duration
	JitterMax   time.Duration
}

type Deps struct {
	Gate       Gate
	Limiter    Limiter
	Dispatcher Dispatcher
	Monitor    Monitor
	Outcomes   OutcomeStore
	Observer   events.Observer
	Metrics    *monitor.Metrics
	Logger     *slog.Logger
}

// Queue is the in-memory delivery FIFO with a single consumer.
type Queue struct {
	cfg      Config
	gate     Gate
	limiter  Limiter
	dispatch Dispatcher
	monitor  Monitor
	outcomes OutcomeStore
	observer events.Observer
	metrics  *monitor.Metrics
	log      *slog.Logger
	retry    *RetryHandler

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration

	mu    sync.Mutex
	items []*model.QueueItem
	wake  chan struct{}

	running atomic.Bool
	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, deps Deps) (*Queue, error) {
	if deps.Gate == nil || deps.Limiter == nil || deps.Dispatcher == nil {
		return nil, errors.New("gate, limiter and dispatcher are required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.JitterMin <= 0 {
		cfg.JitterMin = DefaultJitterMin
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics(nil)
	}
	if deps.Observer == nil {
		deps.Observer = events.Fanout(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	q := &Queue{
		cfg:      cfg,
		gate:     deps.Gate,
		limiter:  deps.Limiter,
		dispatch: deps.Dispatcher,
		monitor:  deps.Monitor,
		outcomes: deps.Outcomes,
		observer: deps.Observer,
		metrics:  deps.Metrics,
		log:      deps.Logger.With("component", "queue"),
		now:      time.Now,
		sleep:    sleepContext,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	q.jitter = q.randomJitter
	q.retry = NewRetryHandler(q.requeue, deps.Outcomes, deps.Observer, q.log)
	return q, nil
}

// WithClock replaces the time source and the sleep used while waiting out
// the send floor.
func (q *Queue) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Queue {
	if now != nil {
		q.now = now
		q.retry.now = now
	}
	if sleep != nil {
		q.sleep = sleep
	}
	return q
}

func (q *Queue) WithJitter(fn func() time.Duration) *Queue {
	q.jitter = fn
	return q
}

// Enqueue runs the compliance gate and the rate limiter and, when both pass,
// appends the item. The returned item carries the assigned ID and any gate
// warnings.
func (q *Queue) Enqueue(ctx context.Context, item model.QueueItem) (*model.QueueItem, error) {
	if strings.TrimSpace(item.Recipient) == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidItem)
	}
	if !item.Payload.IsFreeForm() && !item.Payload.HasTemplate() {
		return nil, fmt.Errorf("%w: payload needs text, media or a template", ErrInvalidItem)
	}
	switch item.Priority {
	case "":
		item.Priority = model.PriorityNormal
	case model.PriorityNormal, model.PriorityHigh:
	default:
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidItem, item.Priority)
	}

	now := q.now()

	d := q.gate.Evaluate(ctx, item.Recipient, item.Outbound(), now)
	if !d.Passed {
		return nil, q.reject(&item, &RejectionError{
			Stage:    StageCompliance,
			Reason:   strings.Join(d.Reasons, "; "),
			Warnings: d.Warnings,
		}, now)
	}

	ld := q.limiter.CheckAndReserve(item.Recipient, now)
	if !ld.Allowed {
		return nil, q.reject(&item, &RejectionError{
			Stage:      StageRateLimit,
			Reason:     ld.Reason,
			RetryAfter: ld.RetryAfter,
			Warnings:   d.Warnings,
		}, now)
	}

	accepted := item
	if accepted.ID == "" {
		accepted.ID = uuid.NewString()
	}
	accepted.Attempts = 0
	accepted.ExistsChecked = false
	if accepted.MaxAttempts <= 0 {
		accepted.MaxAttempts = q.cfg.MaxAttempts
	}
	accepted.EnqueuedAt = now
	accepted.Warnings = d.Warnings

	// the consumer owns the queued value from here on
	out := accepted

	q.mu.Lock()
	q.insertLocked(&accepted)
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(float64(depth))
	q.log.Info("message queued", "item_id", out.ID, "recipient", out.Recipient, "priority", out.Priority, "depth", depth)
	q.notify(model.EventQueued, &out, "", "", now)
	q.Wake()

	return &out, nil
}

// Cancel drops a pending item. An item already handed to the consumer can
// no longer be cancelled.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	idx := -1
	for i, it := range q.items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return ErrNotFound
	}
	item := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(float64(depth))
	q.notify(model.EventRejected, item, "cancelled", "", q.now())
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns copies of the queued items in dispatch order.
func (q *Queue) Pending() []model.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.QueueItem, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it)
	}
	return out
}

// Wake nudges the consumer, e.g. after the emergency pause is cleared.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Start() bool {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	if q.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	q.running.Store(true)

	go q.run(ctx)

	q.log.Info("queue consumer started")
	return true
}

func (q *Queue) Stop() bool {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	if !q.running.Load() {
		return false
	}

	q.cancel()
	<-q.done
	q.running.Store(false)

	q.log.Info("queue consumer stopped", "pending", q.Len())
	return true
}

func (q *Queue) IsRunning() bool {
	return q.running.Load()
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	for {
		if ctx.Err() != nil {
			return
		}

		if q.monitor != nil && q.monitor.Paused(q.now()) {
			if !q.idle(ctx, pausePoll) {
				return
			}
			continue
		}

		processed, err := q.safeProcess(ctx)
		if err != nil && ctx.Err() != nil {
			return
		}
		if !processed {
			if !q.idle(ctx, 0) {
				return
			}
		}
	}
}

// idle blocks until a wake signal, the optional timeout, or cancellation.
// It reports false once ctx is done.
func (q *Queue) idle(ctx context.Context, timeout time.Duration) bool {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-q.wake:
	case <-timer:
	}
	return true
}

func (q *Queue) safeProcess(ctx context.Context) (processed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("queue consumer panic recovered", "panic", r)
			processed, err = true, fmt.Errorf("panic: %v", r)
		}
	}()
	return q.ProcessNext(ctx)
}

// ProcessNext takes the head item, waits until the recipient's floor has
// passed and makes one delivery attempt. It reports false when the queue is
// empty. If ctx ends during the wait the item goes back to the front.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	item := q.pop()
	if item == nil {
		return false, nil
	}

	wait := time.Duration(0)
	if next := q.limiter.NextAllowed(item.Recipient); !next.IsZero() {
		wait = next.Sub(q.now())
	}
	if q.cfg.HumanPacing && q.jitter != nil {
		if wait < 0 {
			wait = 0
		}
		wait += q.jitter()
	}
	if wait > 0 {
		if err := q.sleep(ctx, wait); err != nil {
			q.pushFront(item)
			return false, err
		}
	}

	q.attempt(ctx, item)
	return true, nil
}

// attempt runs to completion once started. Stop only keeps the loop from
// taking the next item; the transport's own timeout bounds the call.
func (q *Queue) attempt(ctx context.Context, item *model.QueueItem) {
	ctx = context.WithoutCancel(ctx)
	item.Attempts++
	now := q.now()
	q.limiter.RecordAttempt(item.Recipient, now)

	res, err := q.dispatch.Deliver(ctx, item, now)

	switch res.Status {
	case model.Sent:
		q.limiter.RecordSent(item.Recipient, now)
		if q.monitor != nil {
			q.monitor.RecordOutcome(item.Recipient, true)
		}
		q.appendOutcome(ctx, item, res, now)
		q.log.Info("message sent", "item_id", item.ID, "recipient", item.Recipient, "attempts", item.Attempts, "remote_id", res.RemoteID)
		q.notify(model.EventSent, item, "", "", now)

	case model.Rejected:
		q.metrics.Rejections.WithLabelValues(StageDispatch).Inc()
		q.appendOutcome(ctx, item, res, now)
		q.log.Info("message rejected at dispatch", "item_id", item.ID, "recipient", item.Recipient, "err", err)
		q.notify(model.EventRejected, item, res.Err, "", now)

	default:
		if err == nil {
			err = errors.New(res.Err)
		}
		q.limiter.RecordFailed(item.Recipient)
		if q.monitor != nil {
			q.monitor.RecordOutcome(item.Recipient, false)
		}
		if errors.Is(err, client.ErrRecipientBlocked) {
			q.limiter.RecordBlocked(item.Recipient)
			if q.monitor != nil {
				q.monitor.RecordBlocked(item.Recipient)
			}
		}
		q.log.Warn("delivery attempt failed", "item_id", item.ID, "recipient", item.Recipient, "attempt", item.Attempts, "max_attempts", item.MaxAttempts, "err", err)
		if q.retry.OnFailure(ctx, item, err) == Exhausted {
			q.appendOutcome(ctx, item, model.DeliveryResult{Status: model.Failed, Err: err.Error()}, now)
		}
	}
}

func (q *Queue) appendOutcome(ctx context.Context, item *model.QueueItem, res model.DeliveryResult, at time.Time) {
	if q.outcomes == nil {
		return
	}
	o := model.Outcome{
		ItemID:    item.ID,
		Recipient: item.Recipient,
		Summary:   item.Payload.Summary(),
		Status:    res.Status,
		RemoteID:  res.RemoteID,
		Error:     res.Err,
		Attempts:  item.Attempts,
		At:        at,
	}
	if err := q.outcomes.AppendOutcome(ctx, o); err != nil {
		q.log.Error("append outcome failed", "item_id", item.ID, "err", err)
	}
}

func (q *Queue) reject(item *model.QueueItem, rej *RejectionError, now time.Time) error {
	q.metrics.Rejections.WithLabelValues(rej.Stage).Inc()
	q.log.Info("message rejected", "recipient", item.Recipient, "stage", rej.Stage, "reason", rej.Reason)
	q.notify(model.EventRejected, item, rej.Reason, "", now)
	return rej
}

func (q *Queue) notify(t model.EventType, item *model.QueueItem, reason, errMsg string, at time.Time) {
	var snapshot *model.QueueItem
	if item != nil {
		c := *item
		snapshot = &c
	}
	q.observer.Notify(model.Event{Type: t, Item: snapshot, Reason: reason, Err: errMsg, At: at})
}

// insertLocked places high items after the leading run of high items and
// everything else at the back.
func (q *Queue) insertLocked(item *model.QueueItem) {
	if item.Priority != model.PriorityHigh {
		q.items = append(q.items, item)
		return
	}
	i := 0
	for i < len(q.items) && q.items[i].Priority == model.PriorityHigh {
		i++
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = item
}

func (q *Queue) pop() *model.QueueItem {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(float64(depth))
	return item
}

func (q *Queue) pushFront(item *model.QueueItem) {
	q.mu.Lock()
	q.items = append([]*model.QueueItem{item}, q.items...)
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(float64(depth))
}

func (q *Queue) requeue(item *model.QueueItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(float64(depth))
	q.Wake()
}

func (q *Queue) randomJitter() time.Duration {
	span := q.cfg.JitterMax - q.cfg.JitterMin
	if span <= 0 {
		return q.cfg.JitterMin
	}
	return q.cfg.JitterMin + rand.N(span+1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

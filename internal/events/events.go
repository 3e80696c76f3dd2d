// Package events records attempts, audit entries and status history off the
// request path and fans audit entries out to event publishers (Redis PubSub,
// webhooks).
package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knadh/scagateway/internal/store"
	"github.com/knadh/scagateway/pkg/models"
	"github.com/zerodha/logf"
)

// Publisher publishes lifecycle events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, e models.Event) error
}

// Opts holds the dispatcher's tunables.
type Opts struct {
	// BufferSize is the number of records that can be queued before new
	// ones are dropped.
	BufferSize int `json:"buffer_size"`

	// Timeout bounds the store write and publishing of a single record.
	Timeout time.Duration `json:"timeout"`
}

// Stores groups the stores the dispatcher writes to.
type Stores struct {
	Attempts store.AttemptStore
	Audit    store.AuditStore
	History  store.HistoryStore
}

type job struct {
	attempt *models.Attempt
	audit   *models.AuditEntry
	history *models.HistoryEntry
}

// Dispatcher is a fire-and-forget recorder. Records are queued on a buffered
// channel and written by a single worker. A full queue drops records instead
// of blocking the caller, and failed writes are only logged.
type Dispatcher struct {
	st   Stores
	pubs []Publisher
	lo   logf.Logger
	opts Opts

	q  chan job
	wg sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
}

// New returns a dispatcher and starts its worker.
func New(st Stores, pubs []Publisher, lo logf.Logger, o Opts) *Dispatcher {
	if o.BufferSize < 1 {
		o.BufferSize = 1000
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}

	d := &Dispatcher{
		st:   st,
		pubs: pubs,
		lo:   lo,
		opts: o,
		q:    make(chan job, o.BufferSize),
	}

	d.wg.Add(1)
	go d.worker()

	return d
}

// RecordAttempt queues an attempt.
func (d *Dispatcher) RecordAttempt(_ context.Context, a models.Attempt) {
	d.enqueue(job{attempt: &a})
}

// RecordAudit queues an audit entry. Once stored, it's published.
func (d *Dispatcher) RecordAudit(_ context.Context, e models.AuditEntry) {
	d.enqueue(job{audit: &e})
}

// RecordHistory queues a status history entry.
func (d *Dispatcher) RecordHistory(_ context.Context, h models.HistoryEntry) {
	d.enqueue(job{history: &h})
}

// Dropped returns the number of records dropped so far.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting records and waits for the queued ones to be written.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.q)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) enqueue(j job) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		return
	}

	select {
	case d.q <- j:
	default:
		n := d.dropped.Add(1)
		d.lo.Warn("event queue full, dropping record", "dropped", n)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for j := range d.q {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
		d.handle(ctx, j)
		cancel()
	}
}

func (d *Dispatcher) handle(ctx context.Context, j job) {
	switch {
	case j.attempt != nil:
		if _, err := d.st.Attempts.CreateAttempt(ctx, *j.attempt); err != nil {
			d.lo.Error("error recording attempt", "error", err, "challenge_id", j.attempt.ChallengeID)
		}

	case j.history != nil:
		if _, err := d.st.History.CreateHistory(ctx, *j.history); err != nil {
			d.lo.Error("error recording history", "error", err, "operation_id", j.history.OperationID)
		}

	case j.audit != nil:
		e := *j.audit
		if _, err := d.st.Audit.CreateAudit(ctx, e); err != nil {
			d.lo.Error("error recording audit entry", "error", err, "operation_id", e.OperationID)
			return
		}
		d.publish(ctx, e)
	}
}

func (d *Dispatcher) publish(ctx context.Context, e models.AuditEntry) {
	if len(d.pubs) == 0 {
		return
	}

	b, err := json.Marshal(e)
	if err != nil {
		d.lo.Error("error marshalling event", "error", err)
		return
	}

	ev := models.Event{
		Type:        e.EventType,
		OperationID: e.OperationID,
		ChallengeID: e.ChallengeID,
		Data:        b,
	}
	for _, p := range d.pubs {
		if err := p.Publish(ctx, ev); err != nil {
			d.lo.Error("error publishing event", "error", err, "type", ev.Type, "operation_id", ev.OperationID)
		}
	}
}

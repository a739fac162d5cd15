package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tanglewood/keywarden/internal/keys/health"
	"github.com/tanglewood/keywarden/internal/keys/store"
)

// UsageRecorder applies usage-counter increments off the verification hot
// path. Verify hands it a credential id and returns immediately; a
// background worker drains the queue into the store's atomic increment.
// A slow counter write therefore never inflates authentication latency,
// and increments never contend with the row-state updates used by
// rotation and revocation.
type UsageRecorder struct {
	Store  store.Store
	Logger *slog.Logger

	queue  chan usageMark
	wg     sync.WaitGroup
	stopCh chan struct{}
	doneCh chan struct{}
}

type usageMark struct {
	id string
	at time.Time
}

// NewUsageRecorder creates a recorder with the given queue capacity.
// Capacity 0 or negative defaults to 1024.
func NewUsageRecorder(st store.Store, logger *slog.Logger, queueSize int) *UsageRecorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &UsageRecorder{
		Store:  st,
		Logger: logger,
		queue:  make(chan usageMark, queueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background worker. Non-blocking; call Stop to shut
// down gracefully.
func (r *UsageRecorder) Start() {
	go r.run()
	r.Logger.Info("usage recorder started", "queue_size", cap(r.queue))
}

// Stop drains any queued increments and shuts the worker down. Blocks
// until the queue is empty.
func (r *UsageRecorder) Stop() {
	close(r.stopCh)
	<-r.doneCh
	r.Logger.Info("usage recorder stopped")
}

// Record schedules one usage increment. It never blocks the caller: if
// the queue is full the increment spills to a one-off goroutine rather
// than being dropped, because every successful verification must be
// counted exactly once.
func (r *UsageRecorder) Record(id string, at time.Time) {
	r.wg.Add(1)

	select {
	case r.queue <- usageMark{id: id, at: at}:
		health.SetUsageQueueDepth(len(r.queue))
	default:
		go func() {
			defer r.wg.Done()
			r.apply(usageMark{id: id, at: at})
		}()
	}
}

// Sync blocks until every increment recorded so far has been applied.
// Used at shutdown and by tests asserting exact counts.
func (r *UsageRecorder) Sync() {
	r.wg.Wait()
}

func (r *UsageRecorder) run() {
	defer close(r.doneCh)

	for {
		select {
		case m := <-r.queue:
			r.apply(m)
			r.wg.Done()
		case <-r.stopCh:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case m := <-r.queue:
					r.apply(m)
					r.wg.Done()
				default:
					return
				}
			}
		}
	}
}

func (r *UsageRecorder) apply(m usageMark) {
	// Detached from any request context: the request this increment
	// belongs to has already been answered.
	if err := r.Store.Credentials().IncrementUsage(context.Background(), m.id, m.at); err != nil {
		r.Logger.Error("usage increment failed",
			"credential_id", m.id, "error", err)
	}
	health.SetUsageQueueDepth(len(r.queue))
}

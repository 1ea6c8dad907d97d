package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/ai2ai-project/ai2ai-node/dlq"
	"github.com/ai2ai-project/ai2ai-node/queue"
)

// QueueWorker drains the Persistent Queue on the coarser background
// schedule, sharing circuit breaker state with interactive deliveries via
// the same BreakerManager. At most one inflight delivery per queue entry;
// concurrent inflight deliveries to different entries are allowed up to
// MaxInflight.
type QueueWorker struct {
	q        *queue.Queue
	dlq      *dlq.Store
	sender   Sender
	breakers *BreakerManager
	schedule QueueSchedule
	events   Events

	maxInflight int
	pollEvery   time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewQueueWorker builds a worker over q, moving entries to dl after their
// queue schedule is exhausted. pollEvery governs how often the queue is
// polled for due entries.
func NewQueueWorker(q *queue.Queue, dl *dlq.Store, sender Sender, breakers *BreakerManager, schedule QueueSchedule, maxInflight int, events Events, pollEvery time.Duration) *QueueWorker {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &QueueWorker{
		q:           q,
		dlq:         dl,
		sender:      sender,
		breakers:    breakers,
		schedule:    schedule,
		events:      events,
		maxInflight: maxInflight,
		pollEvery:   pollEvery,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins the polling loop in a background goroutine.
func (w *QueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop halts the polling loop and waits for the current pass to finish.
func (w *QueueWorker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *QueueWorker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	sem := make(chan struct{}, w.maxInflight)
	var wg sync.WaitGroup

	for {
		select {
		case <-w.stop:
			wg.Wait()
			return
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			entry, err := w.q.Dequeue()
			if err != nil || entry == nil {
				continue
			}

			if time.Since(valueOr(entry.LastAttempt, entry.CreatedAt)) < w.schedule.Delay(entry.Attempts) {
				continue
			}

			select {
			case sem <- struct{}{}:
			default:
				continue
			}

			wg.Add(1)
			go func(id, endpoint string) {
				defer wg.Done()
				defer func() { <-sem }()
				w.deliverOne(ctx, id, endpoint)
			}(entry.ID, entry.Endpoint)
		}
	}
}

func (w *QueueWorker) deliverOne(ctx context.Context, id, endpoint string) {
	entry, ok := w.q.Get(id)
	if !ok {
		return
	}

	if !w.breakers.Allow(endpoint) {
		return
	}

	err := w.sender.Send(ctx, entry.Envelope, endpoint)
	w.breakers.Report(endpoint, err == nil)

	if err == nil {
		_ = w.q.Complete(id)
		if w.events.OnDelivered != nil {
			w.events.OnDelivered(id, endpoint)
		}
		return
	}

	if entry.Attempts+1 >= len(w.schedule) {
		_, dlqErr := w.dlq.Add(entry.Envelope, endpoint, err, entry.Attempts+1)
		if dlqErr == nil {
			_ = w.q.Complete(id)
			if w.events.OnFailed != nil {
				w.events.OnFailed(id, endpoint, err)
			}
		}
		return
	}

	_ = w.q.Fail(id, err)
}

func valueOr(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}

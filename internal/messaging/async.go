package messaging

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/genbroker/pkg/types"
)

// AsyncPublisher queues events in memory and publishes them from its own
// goroutine, so the caller never waits on the network. When the buffer is
// full the event is dropped and counted.
type AsyncPublisher struct {
	pub     Publisher
	events  chan types.JobEvent
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
	timeout time.Duration
	log     *slog.Logger
}

// NewAsync starts the publishing goroutine.
func NewAsync(pub Publisher, buffer int, log *slog.Logger) *AsyncPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	a := &AsyncPublisher{
		pub:     pub,
		events:  make(chan types.JobEvent, buffer),
		stopCh:  make(chan struct{}),
		timeout: 5 * time.Second,
		log:     log,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Emit enqueues ev without blocking.
func (a *AsyncPublisher) Emit(ev types.JobEvent) {
	select {
	case <-a.stopCh:
		a.dropped.Add(1)
		return
	default:
	}
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
		a.log.Warn("Job event dropped, buffer full", "job_id", ev.JobID, "type", ev.Type)
	}
}

// Dropped is the number of events that were never published.
func (a *AsyncPublisher) Dropped() int64 {
	return a.dropped.Load()
}

func (a *AsyncPublisher) run() {
	defer a.wg.Done()
	for {
		select {
		case ev := <-a.events:
			a.publish(ev)
		case <-a.stopCh:
			// 送出剩餘事件後結束
			for {
				select {
				case ev := <-a.events:
					a.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *AsyncPublisher) publish(ev types.JobEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.pub.Publish(ctx, ev); err != nil {
		a.dropped.Add(1)
		a.log.Error("Failed to publish job event", "job_id", ev.JobID, "type", ev.Type, "error", err)
	}
}

// Close flushes queued events and closes the underlying publisher.
func (a *AsyncPublisher) Close() error {
	var err error
	a.once.Do(func() {
		close(a.stopCh)
		a.wg.Wait()
		err = a.pub.Close()
	})
	return err
}

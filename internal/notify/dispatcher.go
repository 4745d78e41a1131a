package notify

import (
	"context"
	"sync"
	"time"

	"github.com/kebairia/bacli/internal/logger"
)

// DefaultTimeout bounds a single delivery.
const DefaultTimeout = 10 * time.Second

// Dispatcher delivers events in detached goroutines. Delivery runs under its
// own timeout and is unaffected by cancellation of the attempt that
// produced the event.
type Dispatcher struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	timeout   time.Duration
	log       logger.Logger
	wg        sync.WaitGroup
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(timeout time.Duration, log logger.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{
		notifiers: make(map[string]Notifier),
		timeout:   timeout,
		log:       log,
	}
}

// Register adds a named destination.
func (d *Dispatcher) Register(name string, n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifiers[name] = n
}

// Dispatch sends ev to dest without blocking. An empty dest is a no-op.
func (d *Dispatcher) Dispatch(dest string, ev Event) {
	if dest == "" {
		return
	}
	d.mu.RLock()
	n, ok := d.notifiers[dest]
	d.mu.RUnlock()
	if !ok {
		d.log.Warn("notification destination not found", "destination", dest, "kind", ev.Kind)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := n.Notify(ctx, ev); err != nil {
			d.log.Warn("notification failed",
				"destination", dest,
				"kind", ev.Kind,
				"record_id", ev.RecordID,
				"error", err,
			)
			return
		}
		d.log.Debug("notification sent", "destination", dest, "kind", ev.Kind, "record_id", ev.RecordID)
	}()
}

// Wait blocks until every dispatched delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

package workers

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"membership-portal/services"
	"membership-portal/utils"
)

// EventSink receives batches of encoded lifecycle events.
type EventSink interface {
	Write(ctx context.Context, msgs ...utils.EventMessage) error
}

// LogSink is used when no brokers are configured.
type LogSink struct{}

func (LogSink) Write(_ context.Context, msgs ...utils.EventMessage) error {
	for _, m := range msgs {
		log.Printf("📣 [Events] %s key=%s %s", m.Type, m.Key, string(m.Value))
	}
	return nil
}

// EventRelay decouples lifecycle writes from the broker. Publish never blocks; events that
// do not fit in the buffer, or arrive after Run stopped, are dropped and logged.
type EventRelay struct {
	sink      EventSink
	events    chan services.ReferralEvent
	interval  time.Duration
	batchSize int
	pending   []utils.EventMessage

	mu      sync.RWMutex
	stopped bool
}

func NewEventRelay(sink EventSink, buffer int, interval time.Duration) *EventRelay {
	if buffer <= 0 {
		buffer = 1024
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &EventRelay{
		sink:      sink,
		events:    make(chan services.ReferralEvent, buffer),
		interval:  interval,
		batchSize: 100,
	}
}

func (r *EventRelay) Publish(_ context.Context, evt services.ReferralEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		log.Printf("⚠️ [EventRelay] relay stopped, dropping %s for referral %s", evt.Type, evt.ReferralID)
		return
	}
	select {
	case r.events <- evt:
	default:
		log.Printf("⚠️ [EventRelay] buffer full, dropping %s for referral %s", evt.Type, evt.ReferralID)
	}
}

// Run forwards buffered events until ctx is cancelled, then makes one last flush attempt.
// Cancel ctx only once nothing else publishes; later events are not delivered.
func (r *EventRelay) Run(ctx context.Context) {
	log.Println("Starting lifecycle event relay...")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.stopped = true
			r.mu.Unlock()
			r.drain()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.flush(shutdownCtx)
			cancel()
			log.Println("Lifecycle event relay stopped.")
			return
		case evt := <-r.events:
			r.enqueue(evt)
			if len(r.pending) >= r.batchSize {
				r.flush(ctx)
			}
		case <-ticker.C:
			r.flush(ctx)
		}
	}
}

func (r *EventRelay) drain() {
	for {
		select {
		case evt := <-r.events:
			r.enqueue(evt)
		default:
			return
		}
	}
}

func (r *EventRelay) enqueue(evt services.ReferralEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		log.Printf("❌ [EventRelay] encode %s: %v", evt.Type, err)
		return
	}
	r.pending = append(r.pending, utils.EventMessage{Type: evt.Type, Key: evt.ReferralID, Value: body})
}

// flush keeps the batch on failure so the next tick retries it.
func (r *EventRelay) flush(ctx context.Context) {
	if len(r.pending) == 0 {
		return
	}
	if err := r.sink.Write(ctx, r.pending...); err != nil {
		log.Printf("❌ [EventRelay] write %d event(s): %v", len(r.pending), err)
		if len(r.pending) > 10*r.batchSize {
			dropped := len(r.pending) - 10*r.batchSize
			r.pending = r.pending[dropped:]
			log.Printf("⚠️ [EventRelay] dropped %d oldest event(s)", dropped)
		}
		return
	}
	r.pending = r.pending[:0]
}

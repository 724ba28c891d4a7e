package telemetry

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// TelemetryTopic is the routing key external forwarders subscribe on.
const TelemetryTopic = "experiment.telemetry"

// Bus fans telemetry events out to an external publisher (AMQP when
// configured) without ever blocking an emitter: events pass through a
// bounded queue and the oldest is dropped on overflow.
type Bus struct {
	publisher message.Publisher
	logger    *slog.Logger

	queue  chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

func NewBus(publisher message.Publisher, logger *slog.Logger, queueSize int) *Bus {
	b := &Bus{
		publisher: publisher,
		logger:    logger,
		queue:     make(chan Event, queueSize),
		done:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.pump()
	return b
}

// Forward enqueues an event for publishing, shedding the oldest queued
// event when the queue is full.
func (b *Bus) Forward(ev Event) {
	select {
	case b.queue <- ev:
		return
	default:
	}
	// Full: drop oldest, then retry once.
	select {
	case <-b.queue:
	default:
	}
	select {
	case b.queue <- ev:
	default:
	}
}

func (b *Bus) pump() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case ev := <-b.queue:
					b.publish(ev)
				default:
					return
				}
			}
		case ev := <-b.queue:
			b.publish(ev)
		}
	}
}

func (b *Bus) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("telemetry marshal failed", "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("kind", string(ev.Kind))
	if err := b.publisher.Publish(TelemetryTopic, msg); err != nil {
		b.logger.Warn("telemetry forward failed", "error", err, "kind", ev.Kind)
	}
}

// Close stops the pump after draining the queue.
func (b *Bus) Close() {
	b.closed.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}

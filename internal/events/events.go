// Package events publishes pipeline lifecycle events to Kafka. Emission is
// fire-and-forget: a full queue drops the event and bumps a counter, it never
// blocks the job or request path.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/observability"
)

// Event names emitted by the pipeline.
const (
	JobEnqueued      = "job.enqueued"
	JobSucceeded     = "job.succeeded"
	JobFailed        = "job.failed"
	CacheInvalidated = "cache.invalidated"
	RasterRendered   = "raster.rendered"
	SweepCompleted   = "sweep.completed"
)

type Event struct {
	ID    string            `json:"id"`
	Name  string            `json:"name"`
	TS    time.Time         `json:"ts"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

type Emitter interface {
	Emit(name string, attrs map[string]string)
}

// Nop discards every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) Emit(string, map[string]string) {}

type KafkaEmitter struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	log     zerolog.Logger
	stopped chan struct{}
}

func NewKafka(brokers []string, topic string, queueSize int, log zerolog.Logger) (*KafkaEmitter, error) {
	if queueSize <= 0 {
		queueSize = 1024
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: create async producer: %w", err)
	}
	return newWithProducer(prod, topic, queueSize, log), nil
}

func newWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log zerolog.Logger) *KafkaEmitter {
	e := &KafkaEmitter{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		log:     log.With().Str("component", "events").Logger(),
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(e.stopped)
		for ev := range e.events {
			b, err := json.Marshal(ev)
			if err != nil {
				e.log.Error().Err(err).Str("event", ev.Name).Msg("marshal event")
				continue
			}
			e.prod.Input() <- &sarama.ProducerMessage{
				Topic: e.topic,
				Key:   sarama.StringEncoder(ev.Name),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range e.prod.Errors() {
			if err != nil {
				observability.IncAuditDropped()
				e.log.Warn().Err(err).Msg("producer error")
			}
		}
	}()

	return e
}

func (e *KafkaEmitter) Emit(name string, attrs map[string]string) {
	ev := Event{
		ID:    uuid.NewString(),
		Name:  name,
		TS:    time.Now().UTC(),
		Attrs: attrs,
	}
	select {
	case e.events <- ev:
	default:
		// queue full: drop rather than block
		observability.IncAuditDropped()
	}
}

func (e *KafkaEmitter) Close() error {
	close(e.events)
	<-e.stopped

	if err := e.prod.Close(); err != nil {
		return fmt.Errorf("events: close producer: %w", err)
	}
	return nil
}

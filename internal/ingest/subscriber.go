// Package ingest consumes the indexer's ledger event stream from NATS
// JetStream and feeds it to the event processor.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// RawEvent is an undecoded message plus its acknowledgement callbacks.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed; do not redeliver
	NakFunc   func() // not processed yet; redeliver later
	TermFunc  func() // never processable; drop it
}

// StreamConfig names the stream and durable consumer for ledger events.
type StreamConfig struct {
	Stream   string
	Subject  string
	Consumer string
}

// DefaultStreamConfig returns the standard ledger event stream.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Stream:   "MARKS_EVENTS",
		Subject:  "marks.events.>",
		Consumer: "marks-engine",
	}
}

// Subscriber pushes JetStream messages onto a channel.
type Subscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumer  jetstream.ConsumeContext
}

func NewSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *Subscriber {
	return &Subscriber{js: js, eventChan: eventChan}
}

// Subscribe creates the durable consumer and starts delivery. The consumer
// uses explicit acks with MaxAckPending 1 so events reach the processor in
// stream order.
func (s *Subscriber) Subscribe(ctx context.Context, cfg StreamConfig) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    -1,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.NakWithDelay(5 * time.Second) },
			TermFunc:  func() { msg.Term() },
		}

		select {
		case s.eventChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.Consumer, err)
	}
	s.consumer = cc
	slog.Info("subscribed to ledger events", "subject", cfg.Subject, "consumer", cfg.Consumer)
	return nil
}

// Stop stops delivery.
func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	slog.Info("NATS subscriber stopped")
}

// EnsureStream creates the ledger event stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	slog.Info("ensured stream", "stream", cfg.Stream)
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Redelivery bounds for durable consumers. A message that still fails after
// maxDeliver attempts is dropped by the server instead of blocking the stream.
const (
	ackWait    = 30 * time.Second
	maxDeliver = 5
)

// ConsumerSpec names a durable consumer on StreamEvents.
type ConsumerSpec struct {
	Durable string
	Subject string
}

// AuditPersister is the consumer that writes audit events to postgres.
var AuditPersister = ConsumerSpec{Durable: "audit-persister", Subject: SubjectAuditEvent}

// ConsumerManager creates durable consumers on the events stream.
type ConsumerManager struct {
	js jetstream.JetStream
}

func NewConsumerManager(js jetstream.JetStream) *ConsumerManager {
	return &ConsumerManager{js: js}
}

// EnsureConsumer creates the consumer or updates it to the current settings.
// New consumers start at the beginning of the stream.
func (cm *ConsumerManager) EnsureConsumer(ctx context.Context, spec ConsumerSpec) (jetstream.Consumer, error) {
	consumer, err := cm.js.CreateOrUpdateConsumer(ctx, StreamEvents, jetstream.ConsumerConfig{
		Durable:       spec.Durable,
		FilterSubject: spec.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s on %s: %w", spec.Durable, StreamEvents, err)
	}
	return consumer, nil
}

// Package queue hands stored instances to asynchronous post-processing via
// RabbitMQ. Publishing is best-effort from the caller's point of view.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const postProcessQueue = "ris.postprocess"

// StoredInstanceEvent is the message body for each newly stored instance.
type StoredInstanceEvent struct {
	SOPInstanceUID   string    `json:"sop_instance_uid"`
	StudyInstanceUID string    `json:"study_instance_uid"`
	StoredAt         time.Time `json:"stored_at"`
}

// Publisher owns one connection and one channel; Publish is serialized
// because an amqp channel is not safe for concurrent writes.
type Publisher struct {
	conn   *amqp.Connection
	mu     sync.Mutex
	ch     *amqp.Channel
	logger zerolog.Logger
}

// NewPublisher connects and declares the durable post-processing queue.
func NewPublisher(url string, logger zerolog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		postProcessQueue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", postProcessQueue, err)
	}
	return &Publisher{
		conn:   conn,
		ch:     ch,
		logger: logger.With().Str("component", "queue").Logger(),
	}, nil
}

// PublishStored enqueues one stored-instance event.
func (p *Publisher) PublishStored(ctx context.Context, sopInstanceUID, studyInstanceUID string) error {
	body, err := json.Marshal(StoredInstanceEvent{
		SOPInstanceUID:   sopInstanceUID,
		StudyInstanceUID: studyInstanceUID,
		StoredAt:         time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, "", postProcessQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", postProcessQueue, err)
	}
	p.logger.Debug().Str("sop_instance_uid", sopInstanceUID).Msg("instance enqueued")
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

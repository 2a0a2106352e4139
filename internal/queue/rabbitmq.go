package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/abkawan/p2p-ledger/internal/logging"
	"github.com/abkawan/p2p-ledger/internal/models"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	// queue for committed transfers
	TransferQueue = "transfers"
)

// Delivery is a received transfer event. Exactly one of Ack or Nack must
// be called once the event has been handled.
type Delivery struct {
	Event        models.TransferEvent
	Tag          uint64
	Acknowledger amqp.Acknowledger
}

// Ack confirms the event was recorded
func (d Delivery) Ack() error {
	return d.Acknowledger.Ack(d.Tag, false)
}

// Nack hands the event back to the broker for another attempt
func (d Delivery) Nack() error {
	return d.Acknowledger.Nack(d.Tag, false, true)
}

// handles RabbitMQ operations
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
	logger  *logging.Logger
}

func NewRabbitMQ(uri string, logger *logging.Logger) (*RabbitMQ, error) {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		TransferQueue, // name
		true,          // durable
		false,         // delete when unused
		false,         // exclusive
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare a queue: %w", err)
	}

	return &RabbitMQ{
		conn:    conn,
		channel: ch,
		queue:   q,
		logger:  logger.Named("rabbitmq"),
	}, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		return err
	}
	return r.conn.Close()
}

// publishes a committed transfer to the queue
func (r *RabbitMQ) PublishTransfer(ctx context.Context, event *models.TransferEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer event: %w", err)
	}

	err = r.channel.Publish(
		"",            // exchange
		TransferQueue, // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.TransactionID,
			Timestamp:    event.CreatedAt,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		})
	if err != nil {
		return fmt.Errorf("failed to publish a message: %w", err)
	}
	return nil
}

// ConsumeTransfers streams transfer events until ctx is done or the
// broker closes the channel. Malformed messages are rejected without
// requeue.
func (r *RabbitMQ) ConsumeTransfers(ctx context.Context, prefetch int) (<-chan Delivery, error) {
	if prefetch > 0 {
		if err := r.channel.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	msgs, err := r.channel.Consume(
		TransferQueue, // queue
		"",            // consumer
		false,         // auto-ack
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		nil,           // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register a consumer: %w", err)
	}

	out := make(chan Delivery)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var event models.TransferEvent
				if err := json.Unmarshal(msg.Body, &event); err != nil {
					r.logger.Warn("rejecting malformed transfer event",
						zap.String("message_id", msg.MessageId),
						zap.Error(err),
					)
					_ = msg.Reject(false)
					continue
				}

				select {
				case out <- Delivery{Event: event, Tag: msg.DeliveryTag, Acknowledger: msg.Acknowledger}:
				case <-ctx.Done():
					_ = msg.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, nil
}

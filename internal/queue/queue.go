// Package queue wires the pipeline worker to RabbitMQ. Each logical queue
// gets a dead-letter companion and a TTL-based retry queue that feeds
// messages back after a delay.
package queue

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/loomkg/loom/internal/util"
)

// Queue names consumed by the worker.
const (
	IngestQueue = "ingest_queue"
	RunQueue    = "run_queue"
)

// WorkerQueues lists every queue the worker consumes.
var WorkerQueues = []string{IngestQueue, RunQueue}

// Init connects to RabbitMQ using RABBITMQ_* environment variables.
func Init() (*amqp091.Connection, error) {
	user := util.GetEnv("RABBITMQ_USER")
	pass := util.GetEnv("RABBITMQ_PASSWORD")
	host := util.GetEnv("RABBITMQ_HOST")
	port := util.GetEnv("RABBITMQ_PORT")

	connURL := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// SetupQueues declares each worker queue together with its dead-letter and
// retry companions. The retry queue has no consumer; expired messages
// dead-letter back into the main queue, which is what delays redelivery.
func SetupQueues(ch *amqp091.Channel, queueNames []string, retryTTLMS int) error {
	if retryTTLMS <= 0 {
		retryTTLMS = 10000
	}

	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", name, err)
		}

		dlqName := name + "_dlq"
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", dlqName, err)
		}

		retryName := name + "_retry"
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(retryTTLMS),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", retryName, err)
		}
	}

	return nil
}

// PublishFIFO publishes one persistent message to a queue.
func PublishFIFO(ch *amqp091.Channel, queueName string, data []byte) error {
	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	return ch.Publish(
		"",
		q.Name,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         data,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// Notifier wakes workers when a task becomes dispatchable. Notifications
// carry only the task id; the tasks table decides who runs it, so a lost or
// duplicated message never loses or duplicates work.
type Notifier interface {
	Notify(ctx context.Context, taskID string) error
}

// wakeupTTL drops wake-ups nobody consumed; by then a polling worker has
// already seen the task.
const wakeupTTL = "60000"

// AMQPNotifier publishes task ids to a durable RabbitMQ queue over one
// lazily dialed channel, redialing after the broker drops it.
type AMQPNotifier struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPNotifier(url, queue string) *AMQPNotifier {
	return &AMQPNotifier{url: url, queue: queue}
}

func (n *AMQPNotifier) Notify(ctx context.Context, taskID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if n.ch == nil {
		if err := n.dial(); err != nil {
			return err
		}
	}
	err := n.ch.Publish("", n.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Transient,
		MessageId:    taskID,
		Expiration:   wakeupTTL,
		Timestamp:    time.Now().UTC(),
		Body:         []byte(taskID),
	})
	if err != nil {
		n.reset()
		return fmt.Errorf("publish wake-up for task %s: %w", taskID, err)
	}
	slog.Debug("Published task wake-up", "queue", n.queue, "task_id", taskID)
	return nil
}

// Close releases the broker connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reset()
	return nil
}

func (n *AMQPNotifier) dial() error {
	conn, err := amqp.Dial(n.url)
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if _, err := declare(ch, n.queue); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	n.conn, n.ch = conn, ch
	return nil
}

func (n *AMQPNotifier) reset() {
	if n.ch != nil {
		n.ch.Close()
	}
	if n.conn != nil {
		n.conn.Close()
	}
	n.conn, n.ch = nil, nil
}

func declare(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return q, fmt.Errorf("declare queue '%s': %w", name, err)
	}
	return q, nil
}

// LocalNotifier delivers wake-ups in-process, for single-node runs and tests.
type LocalNotifier struct {
	ch chan string
}

func NewLocalNotifier(buffer int) *LocalNotifier {
	return &LocalNotifier{ch: make(chan string, buffer)}
}

// Notify never blocks; a full buffer already guarantees a pending wake-up.
func (n *LocalNotifier) Notify(ctx context.Context, taskID string) error {
	select {
	case n.ch <- taskID:
	default:
	}
	return nil
}

func (n *LocalNotifier) Wakeups() <-chan string {
	return n.ch
}

// ListenWakeups consumes task wake-ups until ctx is cancelled, reconnecting
// with exponential backoff (1s to 30s) whenever the broker goes away. onWake
// runs on the consumer goroutine and must not block.
func ListenWakeups(ctx context.Context, url, qName string, onWake func(taskID string)) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := consumeWakeups(ctx, url, qName, onWake)
		if ctx.Err() != nil {
			slog.Info("Wake-up listener stopped", "queue", qName)
			return
		}
		if err != nil {
			slog.Warn("Wake-up listener error, retrying", "queue", qName, "error", err, "backoff", backoff)
		} else {
			slog.Info("Wake-up listener disconnected, reconnecting", "queue", qName)
			backoff = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func consumeWakeups(ctx context.Context, url, qName string, onWake func(string)) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := declare(ch, qName)
	if err != nil {
		return err
	}
	// Wake-ups are hints, so they are auto-acked.
	msgs, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer on '%s': %w", qName, err)
	}
	slog.Info("Listening for task wake-ups", "queue", qName)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return fmt.Errorf("connection closed: %s", amqpErr.Error())
			}
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			onWake(string(msg.Body))
		}
	}
}

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrPermanent marks a delivery that can never be processed. It is dead-lettered, not re-queued.
var ErrPermanent = errors.New("permanent delivery failure")

// Delivery is what a handler sees of an inbound message.
type Delivery struct {
	RoutingKey  string
	MessageID   string
	Body        []byte
	Redelivered bool
}

// Handler processes one delivery. A nil error acks it. Errors wrapping ErrPermanent reject it
// straight away; any other error re-queues it once and rejects the redelivery.
type Handler func(ctx context.Context, d Delivery) error

// ConsumerConfig describes the queue a consumer owns.
type ConsumerConfig struct {
	Exchange           string
	Queue              string
	DeadLetterExchange string // rejected deliveries are dropped when empty
	Prefetch           int
	HandlerTimeout     time.Duration
}

type deliveryAction int

const (
	actionAck deliveryAction = iota
	actionRequeue
	actionReject
)

func (a deliveryAction) String() string {
	switch a {
	case actionAck:
		return "ack"
	case actionRequeue:
		return "requeue"
	default:
		return "reject"
	}
}

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
}

func NewConsumer(amqpURL string, logger *zap.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{conn: conn, ch: ch, logger: logger.With(zap.String("component", "rabbitmq_consumer"))}, nil
}

// Consume declares the topology in cfg, binds each routing key and dispatches deliveries to the
// matching handler on a background goroutine.
func (c *Consumer) Consume(cfg ConsumerConfig, bindings map[string]Handler) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided")
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 15 * time.Second
	}

	if err := c.ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	queueArgs, err := c.declareDeadLetter(cfg)
	if err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(cfg.Queue, true, false, false, false, queueArgs)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", routingKey, q.Name, err)
		}
	}
	if cfg.Prefetch > 0 {
		if err := c.ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}
	c.logger.Info("consuming",
		zap.String("queue", q.Name),
		zap.Int("bindings", len(handlers)),
		zap.Int("prefetch", cfg.Prefetch),
	)

	go func() {
		for d := range msgs {
			c.dispatch(d, handlers, cfg.HandlerTimeout)
		}
		c.logger.Warn("delivery channel closed", zap.String("queue", q.Name))
	}()
	return nil
}

// declareDeadLetter sets up <dlx> and <queue>.dead and returns the arguments routing rejected
// deliveries there.
func (c *Consumer) declareDeadLetter(cfg ConsumerConfig) (amqp.Table, error) {
	dlx := strings.TrimSpace(cfg.DeadLetterExchange)
	if dlx == "" {
		return nil, nil
	}
	if err := c.ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare dead letter exchange %s: %w", dlx, err)
	}
	deadQueue := cfg.Queue + ".dead"
	if _, err := c.ch.QueueDeclare(deadQueue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare dead letter queue %s: %w", deadQueue, err)
	}
	if err := c.ch.QueueBind(deadQueue, "", dlx, false, nil); err != nil {
		return nil, fmt.Errorf("bind dead letter queue %s: %w", deadQueue, err)
	}
	return amqp.Table{"x-dead-letter-exchange": dlx}, nil
}

func (c *Consumer) dispatch(d amqp.Delivery, handlers map[string]Handler, timeout time.Duration) deliveryAction {
	log := c.logger.With(
		zap.String("routing_key", d.RoutingKey),
		zap.String("message_id", d.MessageId),
		zap.Bool("redelivered", d.Redelivered),
	)

	action := actionReject
	var err error
	if handler, ok := handlers[d.RoutingKey]; ok {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = handler(ctx, Delivery{
			RoutingKey:  d.RoutingKey,
			MessageID:   d.MessageId,
			Body:        d.Body,
			Redelivered: d.Redelivered,
		})
		cancel()
		action = actionFor(err, d.Redelivered)
	} else {
		err = fmt.Errorf("%w: no handler for routing key", ErrPermanent)
	}

	var settleErr error
	switch action {
	case actionAck:
		settleErr = d.Ack(false)
	case actionRequeue:
		log.Warn("delivery failed; re-queuing", zap.Error(err))
		settleErr = d.Nack(false, true)
	default:
		log.Error("delivery rejected", zap.Error(err))
		settleErr = d.Nack(false, false)
	}
	if settleErr != nil {
		log.Error("delivery settle failed", zap.String("action", action.String()), zap.Error(settleErr))
	}
	return action
}

func actionFor(err error, redelivered bool) deliveryAction {
	switch {
	case err == nil:
		return actionAck
	case errors.Is(err, ErrPermanent), redelivered:
		return actionReject
	default:
		return actionRequeue
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

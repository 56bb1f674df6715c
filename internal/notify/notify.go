// Package notify delivers best-effort messages to account holders.
//
// A Dispatcher decouples producers from delivery: Notify never blocks, messages
// are handed to a single worker that calls the configured Sender, and delivery
// errors are only logged.
package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slog"
)

type Event string

const (
	EventTransferSucceeded  Event = "transfer.succeeded"
	EventTransferReceived   Event = "transfer.received"
	EventTransferFailed     Event = "transfer.failed"
	EventWithdrawSucceeded  Event = "withdrawal.succeeded"
	EventWithdrawFailed     Event = "withdrawal.failed"
	EventDepositReceived    Event = "deposit.received"
	EventOTPIssued          Event = "otp.issued"
	EventAccountActivated   Event = "account.activated"
	EventCardIssued         Event = "card.issued"
	EventCardPINSet         Event = "card.pin_set"
	EventCardUpdated        Event = "card.updated"
	EventPasswordChanged    Event = "user.password_changed"
	EventUserEmailConfirmed Event = "user.email_verified"
)

type Message struct {
	Event     Event     `json:"event"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Sender performs the actual delivery of one message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

const (
	DefaultQueueSize   = 256
	defaultSendTimeout = 10 * time.Second
)

type Dispatcher struct {
	logger *slog.Logger
	sender Sender
	queue  chan Message

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(logger *slog.Logger, sender Sender, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		logger: logger.With(slog.String("component", "notify")),
		sender: sender,
		queue:  make(chan Message, queueSize),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues msg. It drops the message when the queue is full or the
// dispatcher is closed.
func (d *Dispatcher) Notify(ctx context.Context, msg Message) {
	if msg.To == "" {
		return
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("dispatcher closed, message dropped", slog.String("event", string(msg.Event)))
		return
	}
	select {
	case d.queue <- msg:
	default:
		d.logger.Warn("notification queue full, message dropped", slog.String("event", string(msg.Event)))
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
		if err := d.sender.Send(ctx, msg); err != nil {
			d.logger.Error("sending notification",
				slog.String("event", string(msg.Event)),
				slog.Any("err", err),
			)
		}
		cancel()
	}
}

// Close stops accepting messages and waits until queued ones are sent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

// LogSender is the fallback used when no broker is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "notify"), slog.String("mode", "log"))}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.Info("notification",
		slog.String("event", string(msg.Event)),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
	)
	s.logger.Debug("notification body", slog.String("body", msg.Body))
	return nil
}

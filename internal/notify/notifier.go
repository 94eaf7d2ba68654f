// Package notify delivers run outcomes to the configured recipients.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRatePerSec      = 2
	defaultBreakerFailures = 3
	defaultBreakerTimeout  = time.Minute
)

// Sender delivers one chunk of text to a single recipient
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Recipient is a named destination
type Recipient struct {
	Name   string
	Sender Sender
}

// Config tunes delivery
type Config struct {
	MaxChunk   int
	RatePerSec float64
	// BreakerFailures is the number of consecutive failures that opens a recipient's circuit
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type recipient struct {
	name    string
	sender  Sender
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// Notifier fans text out to every recipient, chunked and rate limited.
// Failures are isolated per recipient and never returned to the caller.
type Notifier struct {
	logger     *zap.Logger
	maxChunk   int
	limiter    *rate.Limiter
	recipients []*recipient
}

// New creates a notifier
func New(config Config, recipients []Recipient, logger *zap.Logger) *Notifier {
	logger = logger.Named("notify")

	if config.MaxChunk <= 0 {
		config.MaxChunk = DefaultMaxChunk
	}
	if config.RatePerSec <= 0 {
		config.RatePerSec = defaultRatePerSec
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = defaultBreakerFailures
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = defaultBreakerTimeout
	}

	n := &Notifier{
		logger:   logger,
		maxChunk: config.MaxChunk,
		limiter:  rate.NewLimiter(rate.Limit(config.RatePerSec), int(config.RatePerSec)+1),
	}
	for _, r := range recipients {
		failures := config.BreakerFailures
		n.recipients = append(n.recipients, &recipient{
			name:   r.Name,
			sender: r.Sender,
			breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
				Name:        "notify:" + r.Name,
				MaxRequests: 1,
				Timeout:     config.BreakerTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= failures
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					logger.Warn("Circuit breaker state change",
						zap.String("breaker", name),
						zap.String("from", from.String()),
						zap.String("to", to.String()))
				},
			}),
		})
	}
	return n
}

// Notify sends text to every recipient. Chunks reach each recipient in order;
// a failing recipient stops receiving the remaining chunks of this message
// without affecting the others.
func (n *Notifier) Notify(ctx context.Context, text string) {
	chunks := SplitText(text, n.maxChunk)
	if len(chunks) == 0 {
		return
	}

	for _, r := range n.recipients {
		if err := n.deliver(ctx, r, chunks); err != nil {
			n.logger.Error("Failed to notify recipient",
				zap.String("recipient", r.name),
				zap.Int("chunks", len(chunks)),
				zap.Error(err))
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, r *recipient, chunks []string) error {
	for i, chunk := range chunks {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		_, err := r.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, r.sender.Send(ctx, chunk)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return fmt.Errorf("recipient %q circuit open: %w", r.name, err)
			}
			return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// Package notification delivers exit alerts to external channels
// (log, Telegram, webhooks).
package notification

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dhan-autoexit/internal/metrics"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	fields := []zap.Field{zap.String("level", string(alert.Level)), zap.String("title", alert.Title), zap.String("message", alert.Message)}
	switch alert.Level {
	case AlertCritical:
		n.log.Error("alert", fields...)
	case AlertWarning:
		n.log.Warn("alert", fields...)
	default:
		n.log.Info("alert", fields...)
	}
	return nil
}

// Channel pairs a notifier with the label used in metrics.
type Channel struct {
	Name     string
	Notifier Notifier
}

// Multi fans an alert out to every channel. One failing channel does not
// stop the others; all failures are returned joined.
type Multi struct {
	channels []Channel
	m        *metrics.Metrics
}

func NewMulti(m *metrics.Metrics, channels ...Channel) *Multi {
	return &Multi{channels: channels, m: m}
}

func (mu *Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, ch := range mu.channels {
		err := ch.Notifier.Send(ctx, alert)
		mu.m.Alert(ch.Name, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of channels.
func (mu *Multi) Len() int { return len(mu.channels) }

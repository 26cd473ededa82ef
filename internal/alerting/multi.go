package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// MultiAlerter fans an alert out to several channels concurrently.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	logger   *slog.Logger
}

// NewMultiAlerter creates a new multi-channel alerter.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		logger:   logger,
	}
}

// Name returns the name of the alerter.
func (m *MultiAlerter) Name() string {
	return "multi"
}

// AddAlerter adds a channel.
func (m *MultiAlerter) AddAlerter(alerter Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, alerter)
}

// Len returns the number of channels.
func (m *MultiAlerter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerters)
}

// Alert sends to every channel and waits for all of them.
// Channel failures are joined; one failing channel does not block the others.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	m.mu.RLock()
	alerters := make([]Alerter, len(m.alerters))
	copy(alerters, m.alerters)
	m.mu.RUnlock()

	if len(alerters) == 0 {
		return nil
	}

	errs := make([]error, len(alerters))
	var wg sync.WaitGroup
	for i, alerter := range alerters {
		wg.Add(1)
		go func(i int, a Alerter) {
			defer wg.Done()
			if err := a.Alert(ctx, severity, message, fields...); err != nil {
				m.logger.Error("alerter failed",
					"alerter", a.Name(),
					"severity", severity.String(),
					"err", err,
				)
				errs[i] = fmt.Errorf("%s: %w", a.Name(), err)
			}
		}(i, alerter)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// AlertEvent sends an alert for a predefined event type.
func (m *MultiAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	return m.Alert(ctx, EventSeverity(event), message, fields...)
}

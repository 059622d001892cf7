package scheduler

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/service"
)

// Prober measures the concurrency of every instance.
type Prober interface {
	ProbeAll(ctx context.Context) ([]service.Report, error)
}

// ConcurrencyReporter refreshes the concurrency reports periodically
type ConcurrencyReporter struct {
	prober   Prober
	logger   logger.Logger
	interval time.Duration
	stopCh   chan struct{}
}

// NewConcurrencyReporter creates a new concurrency reporter
func NewConcurrencyReporter(prober Prober, log logger.Logger, interval time.Duration) *ConcurrencyReporter {
	return &ConcurrencyReporter{
		prober:   prober,
		logger:   log,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic probe process
func (cr *ConcurrencyReporter) Start(ctx context.Context) error {
	ticker := time.NewTicker(cr.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cr.Report(ctx)
			case <-cr.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the reporter
func (cr *ConcurrencyReporter) Stop() {
	close(cr.stopCh)
}

// Report probes every instance once and returns the reports.
func (cr *ConcurrencyReporter) Report(ctx context.Context) []service.Report {
	reports, err := cr.prober.ProbeAll(ctx)
	if err != nil {
		cr.logger.Warn("concurrency probe skipped",
			logger.Error(err))
		return nil
	}

	for _, rep := range reports {
		cr.logger.Debug("concurrency report",
			logger.String("instance", rep.Instance),
			logger.Int("children", rep.Children),
			logger.Int("concurrency", rep.Concurrency))
	}
	return reports
}

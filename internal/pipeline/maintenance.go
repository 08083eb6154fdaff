package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"lakefeed/internal/domain"
	"lakefeed/internal/ledger"
	"lakefeed/internal/wal"
)

// Maintenance removes shipped segments' staged files on a cron schedule
// and prunes the shipment ledger. Segment files are never touched: their
// cleanup stays with the operator.
type Maintenance struct {
	logger    *slog.Logger
	cron      *cron.Cron
	ledger    *ledger.Ledger
	walDir    string
	stageDir  string
	retention time.Duration
}

func NewMaintenance(logger *slog.Logger, led *ledger.Ledger, walDir, stageDir string, retention time.Duration) *Maintenance {
	return &Maintenance{
		logger:    logger.With("component", "maintenance"),
		cron:      cron.New(),
		ledger:    led,
		walDir:    walDir,
		stageDir:  stageDir,
		retention: retention,
	}
}

// Start schedules sweeps. The schedule uses standard five-field cron syntax.
func (m *Maintenance) Start(schedule string) error {
	_, err := m.cron.AddFunc(schedule, func() {
		m.Sweep(context.Background())
	})
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	m.cron.Start()
	m.logger.Info("maintenance scheduled", "schedule", schedule)
	return nil
}

func (m *Maintenance) Stop() {
	m.cron.Stop()
}

// Sweep removes every shipped segment's staged directory and prunes
// ledger rows past retention. Failures are logged, never fatal: a sweep
// that loses a race or hits a transient disk error is retried whole on
// the next tick.
func (m *Maintenance) Sweep(ctx context.Context) {
	rows, err := m.ledger.Prune(ctx, m.retention)
	if err != nil {
		m.logger.Warn("ledger prune failed", "error", err)
	} else if rows > 0 {
		m.logger.Info("ledger pruned", "rows", rows)
	}

	done, err := wal.ListDone(m.walDir)
	if err != nil {
		m.logger.Warn("listing shipped segments failed", "error", err)
		return
	}
	for _, seg := range done {
		staged := filepath.Join(m.stageDir, domain.SegmentHex(seg.Seq))
		if _, err := os.Stat(staged); os.IsNotExist(err) {
			continue
		}
		if err := os.RemoveAll(staged); err != nil {
			m.logger.Warn("removing staged files failed", "segment", seg.Seq, "error", err)
			continue
		}
		m.logger.Info("staged files removed", "segment", seg.Seq)
	}
}

package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Pruner deletes history older than the retention period on a cron schedule.
type Pruner struct {
	store     *Store
	retention time.Duration
	schedule  string
	cron      *cron.Cron
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
}

// NewPruner creates a pruner. schedule uses the standard five-field cron
// syntax or a descriptor such as @hourly.
func NewPruner(store *Store, schedule string, retention time.Duration, logger *zap.Logger) (*Pruner, error) {
	if retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pruner{
		store:     store,
		retention: retention,
		schedule:  schedule,
		cron:      cron.New(),
		logger:    logger,
		now:       time.Now,
	}

	if _, err := p.cron.AddFunc(schedule, func() {
		if _, err := p.RunOnce(context.Background()); err != nil {
			p.logger.Error("history prune failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule prune %q: %w", schedule, err)
	}

	return p, nil
}

// RunOnce prunes immediately.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	p.logger.Info("history pruned", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// Start begins running on the schedule.
func (p *Pruner) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.cron.Start()
	p.running = true
	p.logger.Info("history pruner started",
		zap.String("schedule", p.schedule),
		zap.Duration("retention", p.retention))
}

// Stop halts the schedule and waits up to timeout for a running prune.
func (p *Pruner) Stop(timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	ctx := p.cron.Stop()
	p.running = false

	select {
	case <-ctx.Done():
	case <-time.After(timeout):
		p.logger.Warn("history pruner stop timed out")
	}
}

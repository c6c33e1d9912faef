package reconcile

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ThommysArt/better-chat/internal/model"
	"github.com/ThommysArt/better-chat/internal/store"
	"github.com/ThommysArt/better-chat/pkg/logger"
	"github.com/ThommysArt/better-chat/pkg/metrics"
)

// Sweeper periodically fails turns stuck in a non-terminal status. A crashed
// process can leave a placeholder in thinking/searching/generating forever;
// the sweeper is the backstop that makes "every turn ends terminal" hold
// across restarts.
type Sweeper struct {
	store    store.Store
	logger   *logger.Logger
	maxAge   time.Duration
	interval time.Duration
}

// NewSweeper creates a sweeper. maxAge is how long a turn may sit without an
// update before it is considered abandoned; interval is the scan cadence.
func NewSweeper(st store.Store, log *logger.Logger, maxAge, interval time.Duration) *Sweeper {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: st, logger: log, maxAge: maxAge, interval: interval}
}

// Run scans until ctx is done. Errors are logged and the loop continues.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("stale turn sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep performs one scan, marking every abandoned non-terminal turn failed.
// Checkpointed partial content is kept; empty turns get the apology string.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.maxAge)
	stale, err := s.store.ListStaleTurns(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, turn := range stale {
		content := turn.Content
		if strings.TrimSpace(content) == "" {
			content = model.ApologyContent
		}
		failed := model.StatusFailed
		if err := s.store.UpdateTurn(ctx, turn.ID, content, &failed, turn.Metadata); err != nil {
			s.logger.Error("failed to sweep stale turn",
				zap.String("turn_id", turn.ID.String()),
				zap.Error(err),
			)
			continue
		}
		metrics.StaleTurnsSweptTotal.Inc()
		s.logger.Warn("swept stale turn to failed",
			zap.String("turn_id", turn.ID.String()),
			zap.String("conversation_id", turn.ConversationID.String()),
			zap.String("stuck_status", string(turn.Status)),
		)
	}
	return nil
}

package scheduler

import (
	"context"

	"github.com/rs/zerolog/log"
	"timeflow/internal/domain"
	"timeflow/internal/queue"
)

// Service selects tasks for delivery and gates human-triggered retries.
//
// Automatic dispatch only ever sees pending tasks; once a task is failed
// (retry_count hit the ceiling) the only way back is an explicit RetryAll.
// retry_count keeps accumulating across manual retries, capped at
// MaxRetries, so a task already at the cap gets exactly one more attempt
// per manual retry.
type Service struct {
	store queue.Store
}

func NewService(store queue.Store) *Service {
	return &Service{store: store}
}

// EligibleForAutoRetry returns pending tasks in creation order, up to limit.
func (s *Service) EligibleForAutoRetry(ctx context.Context, limit int) ([]domain.Task, error) {
	return s.store.NextEligible(ctx, limit)
}

// RetryAll transitions up to limit failed tasks back to pending and clears
// their error text. Returns the number actually transitioned; 0 when nothing
// was failed, which is not an error.
func (s *Service) RetryAll(ctx context.Context, limit int) (int, error) {
	failed, err := s.store.ListTasks(ctx, domain.StatusFailed, limit)
	if err != nil {
		return 0, err
	}
	if len(failed) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(failed))
	for _, t := range failed {
		ids = append(ids, t.ID)
	}
	n, err := s.store.ResetForRetry(ctx, ids)
	if err != nil {
		return 0, err
	}
	log.Info().Int("count", n).Msg("failed tasks reset for retry")
	return n, nil
}

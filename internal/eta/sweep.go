package eta

import (
	"context"

	"buseta/internal/domain"
)

// SweepResult counts the transitions applied by one status sweep.
type SweepResult struct {
	Approaching int `json:"approaching"`
	Delayed     int `json:"delayed"`
	Failed      int `json:"failed"`
}

// UpdateStatuses advances ETA statuses: scheduled ETAs due within the
// approaching window become approaching, and scheduled or approaching ETAs
// whose estimate has passed without an arrival become delayed. Arrived
// rows are never touched.
func (s *Service) UpdateStatuses(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.now()

	n, err := s.repo.MarkApproaching(ctx, now, now.Add(s.cfg.ApproachingWindow))
	if err != nil {
		return result, err
	}
	result.Approaching = n
	s.metrics.StatusTransition(string(domain.ETAStatusApproaching), n)

	overdue, err := s.repo.ListOverdueETAs(ctx, now)
	if err != nil {
		return result, err
	}
	for _, e := range overdue {
		if err := s.repo.MarkDelayed(ctx, e.ID, delayMinutes(now, e.EstimatedArrival), now); err != nil {
			s.logger.Warn("failed to mark eta delayed", "eta_id", e.ID, "error", err)
			result.Failed++
			continue
		}
		result.Delayed++
	}
	s.metrics.StatusTransition(string(domain.ETAStatusDelayed), result.Delayed)

	return result, nil
}

package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/appointment"
)

type overdueLister interface {
	ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]appointment.Appointment, error)
}

type noShowMarker interface {
	MarkNoShow(ctx context.Context, id uuid.UUID) error
}

// NoShowSweep flags scheduled and confirmed appointments whose end time plus
// grace has passed. The service call is idempotent, a failed appointment is
// retried on the next sweep.
type NoShowSweep struct {
	appts  overdueLister
	svc    noShowMarker
	logger *slog.Logger
	grace  time.Duration
	now    func() time.Time
}

func NewNoShowSweep(appts overdueLister, svc noShowMarker, logger *slog.Logger, grace time.Duration, now func() time.Time) *NoShowSweep {
	if grace <= 0 {
		grace = 30 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &NoShowSweep{appts: appts, svc: svc, logger: logger, grace: grace, now: now}
}

func (s *NoShowSweep) Run(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.grace)
	appts, err := s.appts.ListOverdue(ctx, cutoff, 100)
	if err != nil {
		return err
	}

	for _, appt := range appts {
		if err := s.svc.MarkNoShow(ctx, appt.ID); err != nil {
			s.logger.Error("no-show mark failed", "appointment_id", appt.ID, "err", err)
			continue
		}
		s.logger.Info("appointment marked no-show", "appointment_id", appt.ID, "end_time", appt.End)
	}
	return nil
}

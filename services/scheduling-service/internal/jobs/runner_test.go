package jobs

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/appointment"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/interval"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/outbox"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestRunnerRespectsCadence(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	var fast, slow int
	r := NewRunner(discard(), RunnerConfig{Now: func() time.Time { return now }},
		Task{Name: "fast", Every: time.Minute, Run: func(context.Context) error { fast++; return nil }},
		Task{Name: "slow", Every: time.Hour, Run: func(context.Context) error { slow++; return nil }},
	)

	r.runDue(context.Background())
	if fast != 1 || slow != 1 {
		t.Fatalf("first pass: fast=%d slow=%d", fast, slow)
	}

	// Thirty seconds later nothing is due.
	now = now.Add(30 * time.Second)
	r.runDue(context.Background())
	if fast != 1 || slow != 1 {
		t.Fatalf("early pass: fast=%d slow=%d", fast, slow)
	}

	// Two minutes later only the fast task is due again.
	now = now.Add(2 * time.Minute)
	r.runDue(context.Background())
	if fast != 2 || slow != 1 {
		t.Fatalf("third pass: fast=%d slow=%d", fast, slow)
	}
}

func TestRunnerRetriesFailedTask(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	calls := 0
	r := NewRunner(discard(), RunnerConfig{Now: func() time.Time { return now }},
		Task{Name: "flaky", Every: time.Hour, Run: func(context.Context) error {
			calls++
			if calls == 1 {
				return errors.New("boom")
			}
			return nil
		}},
	)

	r.runDue(context.Background())
	// The failure is not recorded as a run, so the next pass retries
	// immediately instead of waiting out the hour.
	r.runDue(context.Background())
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}

	r.runDue(context.Background())
	if calls != 2 {
		t.Fatalf("calls after success = %d, want 2", calls)
	}
}

type fakeUpcoming struct {
	appts []appointment.Appointment
}

func (f *fakeUpcoming) ListUpcoming(_ context.Context, _ interval.Interval, _ int) ([]appointment.Appointment, error) {
	return f.appts, nil
}

type fakeDispatcher struct {
	seen map[string]bool
	sent []string
}

func (f *fakeDispatcher) DispatchOnce(_ context.Context, id uuid.UUID, offset string, _ outbox.Event) (bool, error) {
	key := id.String() + "/" + offset
	if f.seen[key] {
		return false, nil
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	f.seen[key] = true
	f.sent = append(f.sent, key)
	return true, nil
}

func TestReminderSweepOffsets(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	soon := appointment.Appointment{ID: uuid.New(), PatientID: uuid.New(),
		Start: now.Add(90 * time.Minute), End: now.Add(150 * time.Minute), Status: appointment.StatusConfirmed}
	tomorrow := appointment.Appointment{ID: uuid.New(), PatientID: uuid.New(),
		Start: now.Add(20 * time.Hour), End: now.Add(21 * time.Hour), Status: appointment.StatusScheduled}
	farOut := appointment.Appointment{ID: uuid.New(), PatientID: uuid.New(),
		Start: now.Add(30 * time.Hour), End: now.Add(31 * time.Hour), Status: appointment.StatusScheduled}

	disp := &fakeDispatcher{}
	sweep := NewReminderSweep(&fakeUpcoming{appts: []appointment.Appointment{soon, tomorrow, farOut}}, disp, discard(),
		func() time.Time { return now })

	if err := sweep.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := map[string]bool{
		soon.ID.String() + "/24h":     true,
		soon.ID.String() + "/2h":      true,
		tomorrow.ID.String() + "/24h": true,
	}
	if len(disp.sent) != len(want) {
		t.Fatalf("sent = %v, want %d dispatches", disp.sent, len(want))
	}
	for _, key := range disp.sent {
		if !want[key] {
			t.Errorf("unexpected dispatch %s", key)
		}
	}

	// Re-running the sweep dispatches nothing new.
	if err := sweep.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(disp.sent) != len(want) {
		t.Fatalf("re-run added dispatches: %v", disp.sent)
	}
}

type fakeOverdue struct {
	appts     []appointment.Appointment
	gotCutoff time.Time
}

func (f *fakeOverdue) ListOverdue(_ context.Context, cutoff time.Time, _ int) ([]appointment.Appointment, error) {
	f.gotCutoff = cutoff
	return f.appts, nil
}

type fakeMarker struct {
	marked []uuid.UUID
	err    error
}

func (f *fakeMarker) MarkNoShow(_ context.Context, id uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.marked = append(f.marked, id)
	return nil
}

func TestNoShowSweep(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	a := appointment.Appointment{ID: uuid.New(), End: now.Add(-time.Hour), Status: appointment.StatusScheduled}
	b := appointment.Appointment{ID: uuid.New(), End: now.Add(-2 * time.Hour), Status: appointment.StatusConfirmed}

	lister := &fakeOverdue{appts: []appointment.Appointment{a, b}}
	marker := &fakeMarker{}
	sweep := NewNoShowSweep(lister, marker, discard(), 30*time.Minute, func() time.Time { return now })

	if err := sweep.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(marker.marked) != 2 {
		t.Fatalf("marked = %v", marker.marked)
	}
	if want := now.Add(-30 * time.Minute); !lister.gotCutoff.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", lister.gotCutoff, want)
	}
}

func TestNoShowSweepContinuesPastFailures(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	lister := &fakeOverdue{appts: []appointment.Appointment{
		{ID: uuid.New(), End: now.Add(-time.Hour)},
		{ID: uuid.New(), End: now.Add(-time.Hour)},
	}}
	marker := &fakeMarker{err: errors.New("db down")}
	sweep := NewNoShowSweep(lister, marker, discard(), 0, func() time.Time { return now })

	// Per-appointment failures are logged, not returned.
	if err := sweep.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

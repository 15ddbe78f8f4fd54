package repositories

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDependencyHealthRepositoryCollectSuccess(t *testing.T) {
	checks := []DependencyCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(10 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
		{
			Name: "pubsub",
			Check: func(context.Context) error {
				return nil
			},
		},
	}

	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewDependencyHealthRepository(checks,
		WithDependencyClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if !report.Healthy {
		t.Fatalf("expected healthy report, got %+v", report)
	}
	if len(report.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(report.Components))
	}
	for name, component := range report.Components {
		if !component.Healthy {
			t.Fatalf("expected component %s healthy, got %+v", name, component)
		}
	}
	if !report.CheckedAt.Equal(now) {
		t.Fatalf("expected checkedAt %s, got %s", now, report.CheckedAt)
	}
}

func TestDependencyHealthRepositoryCollectFailure(t *testing.T) {
	probeErr := errors.New("connection refused")
	checks := []DependencyCheck{
		{
			Name:  "firestore",
			Check: func(context.Context) error { return nil },
		},
		{
			Name:  "pubsub",
			Check: func(context.Context) error { return probeErr },
		},
	}

	repo, err := NewDependencyHealthRepository(checks)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if report.Healthy {
		t.Fatalf("expected unhealthy report, got %+v", report)
	}
	component, ok := report.Components["pubsub"]
	if !ok {
		t.Fatalf("expected pubsub component in report")
	}
	if component.Healthy || component.Detail != probeErr.Error() {
		t.Fatalf("expected failed pubsub component, got %+v", component)
	}
}

func TestDependencyHealthRepositoryCollectTimeout(t *testing.T) {
	checks := []DependencyCheck{
		{
			Name:    "firestore",
			Timeout: 20 * time.Millisecond,
			Check: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		},
	}

	repo, err := NewDependencyHealthRepository(checks)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Healthy {
		t.Fatalf("expected unhealthy report after timeout, got %+v", report)
	}
}

func TestNewDependencyHealthRepositoryRequiresChecks(t *testing.T) {
	if _, err := NewDependencyHealthRepository(nil); err == nil {
		t.Fatal("expected error when no checks are provided")
	}
}

package activity

import (
	"context"
	"errors"
	"testing"

	domain "github.com/gaushala/shelter/internal/domain/activity"
	"github.com/gaushala/shelter/internal/storage/memory"
)

func TestService(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)

	svc.Record(context.Background(), domain.Entry{ActivityType: domain.TypeCowRegistration, Description: "one"})
	svc.Record(context.Background(), domain.Entry{ActivityType: domain.TypeCowUpdate, Description: "two"})

	entries, err := svc.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}
}

type failingStore struct{}

func (failingStore) CreateActivity(context.Context, domain.Entry) (domain.Entry, error) {
	return domain.Entry{}, errors.New("table missing")
}

func (failingStore) RecentActivity(context.Context, int) ([]domain.Entry, error) {
	return nil, errors.New("table missing")
}

func TestService_RecordSwallowsErrors(t *testing.T) {
	svc := New(failingStore{}, nil)
	svc.Record(context.Background(), domain.Entry{ActivityType: domain.TypeCowUpdate})

	if _, err := svc.Recent(context.Background(), 5); err == nil {
		t.Fatal("expected Recent() to surface store errors")
	}
}

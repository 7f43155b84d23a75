package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeLoader struct {
	loads    atomic.Int32
	persists atomic.Int32
	loadErr  error
}

func (f *fakeLoader) LoadAll(context.Context) error {
	f.loads.Add(1)
	return f.loadErr
}

func (f *fakeLoader) Persist(context.Context) error {
	f.persists.Add(1)
	return nil
}

func TestRunOncePersistsAfterLoad(t *testing.T) {
	loader := &fakeLoader{}
	r, err := NewReconciler(loader, "@every 1h", zerolog.Nop())
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if loader.loads.Load() != 1 || loader.persists.Load() != 1 {
		t.Fatalf("expected one load and one persist, got %d and %d", loader.loads.Load(), loader.persists.Load())
	}
}

func TestRunOnceSkipsPersistOnLoadFailure(t *testing.T) {
	loader := &fakeLoader{loadErr: errors.New("down")}
	r, _ := NewReconciler(loader, "@every 1h", zerolog.Nop())
	if err := r.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if loader.persists.Load() != 0 {
		t.Fatalf("expected no persist after failed load")
	}
}

func TestInvalidScheduleRejected(t *testing.T) {
	if _, err := NewReconciler(&fakeLoader{}, "every five minutes", zerolog.Nop()); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
}

func TestScheduledRunFires(t *testing.T) {
	loader := &fakeLoader{}
	r, err := NewReconciler(loader, "@every 1s", zerolog.Nop())
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	r.Start()
	defer r.Stop(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for loader.persists.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduled reconciliation never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

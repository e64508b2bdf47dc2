package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

// sourceFunc adapts a function to the RevocationSource interface.
type sourceFunc func(ctx context.Context) ([]string, error)

func (f sourceFunc) ListRevoked(ctx context.Context) ([]string, error) { return f(ctx) }

func staticSource(ids ...string) RevocationSource {
	return sourceFunc(func(context.Context) ([]string, error) { return ids, nil })
}

func TestSet_Check(t *testing.T) {
	s := NewSet(staticSource("tok-revoked-1", "tok-revoked-2"), time.Minute, false, nil, nil)
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync error: %v", err)
	}

	tests := []struct {
		name    string
		tokenID string
		wantErr error
	}{
		{"revoked token", "tok-revoked-1", ErrRevoked},
		{"clean token", "tok-live", nil},
		{"no token id", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Check(tt.tokenID)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Check(%q) = %v, want %v", tt.tokenID, err, tt.wantErr)
			}
		})
	}
}

func TestSet_NeverSynced(t *testing.T) {
	closed := NewSet(staticSource(), time.Minute, false, nil, nil)
	if err := closed.Check("tok-live"); !errors.Is(err, ErrRevocationUnavailable) {
		t.Errorf("fail-closed Check = %v, want ErrRevocationUnavailable", err)
	}

	open := NewSet(staticSource(), time.Minute, true, nil, nil)
	if err := open.Check("tok-live"); err != nil {
		t.Errorf("fail-open Check = %v, want nil", err)
	}
}

func TestSet_StaleSnapshot(t *testing.T) {
	closed := NewSet(staticSource("tok-revoked-1"), 10*time.Millisecond, false, nil, nil)
	if err := closed.Sync(context.Background()); err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if err := closed.Check("tok-live"); err != nil {
		t.Fatalf("fresh Check = %v, want nil", err)
	}

	// Past three sync intervals the snapshot no longer counts.
	time.Sleep(50 * time.Millisecond)
	if err := closed.Check("tok-live"); !errors.Is(err, ErrRevocationUnavailable) {
		t.Errorf("stale fail-closed Check = %v, want ErrRevocationUnavailable", err)
	}

	// Fail-open keeps serving the stale snapshot: clean tokens pass and
	// already-revoked tokens stay rejected.
	open := NewSet(staticSource("tok-revoked-1"), 10*time.Millisecond, true, nil, nil)
	if err := open.Sync(context.Background()); err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := open.Check("tok-live"); err != nil {
		t.Errorf("stale fail-open Check(clean) = %v, want nil", err)
	}
	if err := open.Check("tok-revoked-1"); !errors.Is(err, ErrRevoked) {
		t.Errorf("stale fail-open Check(revoked) = %v, want ErrRevoked", err)
	}
}

func TestSet_SyncReplacesSnapshot(t *testing.T) {
	ids := []string{"tok-a"}
	src := sourceFunc(func(context.Context) ([]string, error) { return ids, nil })

	s := NewSet(src, time.Minute, false, nil, nil)
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if err := s.Check("tok-a"); !errors.Is(err, ErrRevoked) {
		t.Fatalf("Check = %v, want ErrRevoked", err)
	}

	// A token disappearing from the list becomes valid again; the set
	// mirrors the source rather than accumulating.
	ids = []string{"tok-b"}
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if err := s.Check("tok-a"); err != nil {
		t.Errorf("Check(tok-a) after swap = %v, want nil", err)
	}
	if err := s.Check("tok-b"); !errors.Is(err, ErrRevoked) {
		t.Errorf("Check(tok-b) after swap = %v, want ErrRevoked", err)
	}
}

func TestSet_SyncError(t *testing.T) {
	boom := errors.New("redis down")
	s := NewSet(sourceFunc(func(context.Context) ([]string, error) { return nil, boom }), time.Minute, false, nil, nil)

	if err := s.Sync(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Sync error = %v, want wrapped source error", err)
	}
	// No snapshot was installed.
	if err := s.Check("anything"); !errors.Is(err, ErrRevocationUnavailable) {
		t.Errorf("Check = %v, want ErrRevocationUnavailable", err)
	}
}

func TestSet_RunStopsOnCancel(t *testing.T) {
	s := NewSet(staticSource(), 10*time.Millisecond, false, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}

	// The loop synced at least once while running.
	if err := s.Check("tok-live"); err != nil {
		t.Errorf("Check after Run = %v, want nil", err)
	}
}

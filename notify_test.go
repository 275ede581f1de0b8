package projexsync

import (
	"context"
	stderrors "errors"
	"io"
	"testing"
	"time"

	"github.com/projexhq/projex-sync/internal/errors"
	"github.com/projexhq/projex-sync/internal/logging"
)

func TestIsPermissionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"coded permission", errors.New(errors.ErrPermission, "denied"), true},
		{"coded network with scary words", errors.New(errors.ErrNetwork, "policy endpoint unreachable"), false},
		{"coded validation", errors.New(errors.ErrValidation, "bad column"), false},
		{"foreign rls message", stderrors.New("new row violates row-level security policy"), true},
		{"foreign forbidden", stderrors.New("server said: Forbidden"), true},
		{"foreign 42501", stderrors.New("pq: 42501"), true},
		{"foreign unrelated", stderrors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermissionError(tt.err); got != tt.want {
				t.Errorf("IsPermissionError = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPermissionNotifierDebounces(t *testing.T) {
	n := newPermissionNotifier(logging.New(io.Discard, logging.LevelError))

	clock := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return clock }

	fired := make(chan string, 4)
	n.SetCallback(func(msg string) { fired <- msg })

	denial := errors.New(errors.ErrPermission, "denied")

	n.Notify(denial)
	clock = clock.Add(time.Second)
	n.Notify(denial) // inside the 3s window, suppressed
	clock = clock.Add(3 * time.Second)
	n.Notify(denial) // window elapsed, fires again

	received := 0
	timeout := time.After(2 * time.Second)
	for received < 2 {
		select {
		case <-fired:
			received++
		case <-timeout:
			t.Fatalf("received %d notifications, want 2", received)
		}
	}

	select {
	case <-fired:
		t.Fatal("suppressed notification fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDebouncerWindow(t *testing.T) {
	d := newDebouncer(5 * time.Minute)
	clock := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }

	if !d.Allow("u1|EXPORT|projects") {
		t.Fatal("first event suppressed")
	}
	clock = clock.Add(4 * time.Minute)
	if d.Allow("u1|EXPORT|projects") {
		t.Error("duplicate inside window allowed")
	}
	if !d.Allow("u1|EXPORT|tasks") {
		t.Error("distinct key suppressed")
	}
	clock = clock.Add(2 * time.Minute)
	if !d.Allow("u1|EXPORT|projects") {
		t.Error("event suppressed after window elapsed")
	}
}

func TestLogSecurityEventWritesAndDebounces(t *testing.T) {
	rem := &fakeRemote{}
	s := newTestService(t, rem)

	clock := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s.security.now = func() time.Time { return clock }

	s.LogSecurityEvent(context.Background(), "user-1", "tenant-1", "DATA_EXPORT", "projects")
	s.LogSecurityEvent(context.Background(), "user-1", "tenant-1", "DATA_EXPORT", "projects")

	if len(rem.insertCalls) != 1 {
		t.Fatalf("insert calls = %d, want 1 (duplicate debounced)", len(rem.insertCalls))
	}
	row := rem.insertCalls[0][0]
	if row["user_id"] != "user-1" || row["event_type"] != "DATA_EXPORT" || row["detail"] != "projects" {
		t.Errorf("audit row = %v", row)
	}
	if row["tenant_id"] != "tenant-1" {
		t.Errorf("audit row tenant = %v", row["tenant_id"])
	}
	if row["id"] == "" || row["created_at"] == "" {
		t.Errorf("audit row missing id or timestamp: %v", row)
	}

	// A different detail is a different event.
	s.LogSecurityEvent(context.Background(), "user-1", "tenant-1", "DATA_EXPORT", "tasks")
	if len(rem.insertCalls) != 2 {
		t.Errorf("insert calls = %d, want 2", len(rem.insertCalls))
	}

	clock = clock.Add(6 * time.Minute)
	s.LogSecurityEvent(context.Background(), "user-1", "tenant-1", "DATA_EXPORT", "projects")
	if len(rem.insertCalls) != 3 {
		t.Errorf("insert calls = %d after window, want 3", len(rem.insertCalls))
	}
}

func TestLogSecurityEventBestEffort(t *testing.T) {
	rem := &fakeRemote{err: errors.New(errors.ErrNetwork, "down")}
	s := newTestService(t, rem)

	// Must not panic or block; the failure is only logged.
	s.LogSecurityEvent(context.Background(), "user-1", "tenant-1", "PASSWORD_CHANGE", "self")
}

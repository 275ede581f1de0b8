package projexsync

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/projexhq/projex-sync/internal/errors"
	"github.com/projexhq/projex-sync/internal/logging"
	"github.com/projexhq/projex-sync/internal/mapper"
	"github.com/projexhq/projex-sync/internal/reconcile"
)

const (
	// permissionWindow suppresses repeat permission notifications; a burst
	// of denied writes surfaces as one message.
	permissionWindow = 3 * time.Second

	// securityLogWindow suppresses duplicate audit rows for the same
	// (actor, event, detail) triple.
	securityLogWindow = 5 * time.Minute

	securityLogsTable = "security_logs"
)

// permissionKeywords classify errors produced outside the engine's own
// taxonomy. Engine-produced errors are classified by code alone.
var permissionKeywords = []string{
	"permission",
	"forbidden",
	"rls",
	"policy",
	"42501",
	"403",
}

// IsPermissionError reports whether err is an authorization denial. Coded
// errors match on the PERMISSION code; foreign errors fall back to keyword
// inspection.
func IsPermissionError(err error) bool {
	if err == nil {
		return false
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == errors.ErrPermission
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range permissionKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// PermissionCallback receives a user-facing message when a write is denied.
type PermissionCallback func(message string)

// permissionNotifier debounces permission denials into at most one
// user-facing notification per window.
type permissionNotifier struct {
	mu       sync.Mutex
	last     time.Time
	window   time.Duration
	callback PermissionCallback
	logger   *logging.Logger
	now      func() time.Time
}

func newPermissionNotifier(logger *logging.Logger) *permissionNotifier {
	return &permissionNotifier{
		window: permissionWindow,
		logger: logger,
		now:    time.Now,
	}
}

func (n *permissionNotifier) SetCallback(fn PermissionCallback) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callback = fn
}

// Notify surfaces a denial to the registered callback, at most once per
// window. Delivery is asynchronous so a slow callback never blocks a sync
// path.
func (n *permissionNotifier) Notify(err error) {
	n.mu.Lock()
	now := n.now()
	if now.Sub(n.last) < n.window {
		n.mu.Unlock()
		return
	}
	n.last = now
	cb := n.callback
	n.mu.Unlock()

	n.logger.Warn("Permission denied by remote store",
		map[string]interface{}{"error": err.Error()})

	if cb != nil {
		go cb("You do not have permission to make this change. It was not saved.")
	}
}

// OnPermissionDenied registers the callback invoked when the remote store
// denies a write. Notifications are debounced.
func (s *Service) OnPermissionDenied(fn PermissionCallback) {
	s.permissions.SetCallback(fn)
}

// debouncer suppresses repeats of a keyed event within a window.
type debouncer struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether the keyed event may fire, recording it if so.
func (d *debouncer) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return false
	}
	d.seen[key] = now
	return true
}

// LogSecurityEvent writes an audit row for a sensitive action. Duplicate
// events from the same actor are debounced, and the write is best-effort: a
// failure is logged but never blocks the action being audited.
func (s *Service) LogSecurityEvent(ctx context.Context, actorID, tenantID, eventType, detail string) {
	key := actorID + "|" + eventType + "|" + detail
	if !s.security.Allow(key) {
		return
	}
	if s.remote == nil {
		return
	}

	row := mapper.Row{
		"id":         reconcile.NewID(),
		"user_id":    actorID,
		"tenant_id":  tenantID,
		"event_type": eventType,
		"detail":     detail,
		"created_at": s.now().UTC().Format(time.RFC3339),
	}
	if err := s.remote.Insert(ctx, securityLogsTable, []mapper.Row{row}); err != nil {
		s.logger.Warn("Failed to write security log",
			map[string]interface{}{
				"event_type": eventType,
				"actor":      actorID,
				"error":      err.Error(),
			})
	}
}

package projexsync

import (
	"github.com/projexhq/projex-sync/internal/models"
	"github.com/projexhq/projex-sync/internal/realtime"
)

// ChangeEvent is a remote change notification. Consumers may see echoes of
// their own writes and must tolerate them.
type ChangeEvent = realtime.ChangeEvent

// SetupRealtimeListener subscribes onChange to remote changes on (table,
// tenantID). Resubscribing the same pair replaces the previous listener.
func (s *Service) SetupRealtimeListener(tenantID string, table models.Table, onChange realtime.Callback) error {
	if s.channels == nil {
		return s.notConfigured()
	}
	return s.channels.Subscribe(tenantID, table, onChange)
}

// RemoveRealtimeListener tears down the listener for (table, tenantID).
func (s *Service) RemoveRealtimeListener(tenantID string, table models.Table) {
	if s.channels == nil {
		return
	}
	s.channels.Unsubscribe(tenantID, table)
}

// RemoveAllListeners tears down every realtime listener, typically on
// logout or tenant switch.
func (s *Service) RemoveAllListeners() {
	if s.channels == nil {
		return
	}
	s.channels.UnsubscribeAll()
}

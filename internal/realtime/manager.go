// Package realtime manages change-feed subscriptions against the remote
// store. Each (table, tenant) pair holds at most one websocket channel;
// resubscribing a key tears the previous channel down first, so listeners
// never leak or double-fire.
package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/projexhq/projex-sync/internal/logging"
	"github.com/projexhq/projex-sync/internal/mapper"
	"github.com/projexhq/projex-sync/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// ChangeEvent is a change notification from the remote store. A write made
// by this process may echo back through the feed; consumers must tolerate
// seeing their own writes.
type ChangeEvent struct {
	EventType string     `json:"eventType"` // INSERT, UPDATE or DELETE
	Table     string     `json:"table"`
	NewRow    mapper.Row `json:"newRow,omitempty"`
	OldRow    mapper.Row `json:"oldRow,omitempty"`
}

// Callback receives change events. Delivery is asynchronous and carries no
// ordering guarantee relative to the engine's own writes.
type Callback func(ChangeEvent)

// subscribeFrame is the initial frame sent on a new channel.
type subscribeFrame struct {
	Action string `json:"action"` // "subscribe"
	Table  string `json:"table"`
	Filter string `json:"filter"` // tenant scoping expression
}

// channel is one live subscription.
type channel struct {
	key  string
	conn *websocket.Conn
	stop chan struct{}
	once sync.Once
}

func (c *channel) close() {
	c.once.Do(func() {
		close(c.stop)
		c.conn.Close()
	})
}

// Manager owns every live subscription.
type Manager struct {
	url    string
	apiKey string
	logger *logging.Logger

	mu       sync.Mutex
	channels map[string]*channel

	// dial is swappable in tests.
	dial func(urlStr string) (*websocket.Conn, error)
}

// NewManager creates a Manager dialing the given websocket endpoint.
func NewManager(url, apiKey string, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Get()
	}
	return &Manager{
		url:      url,
		apiKey:   apiKey,
		logger:   logger,
		channels: make(map[string]*channel),
		dial: func(urlStr string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(urlStr, nil)
			return conn, err
		},
	}
}

// Key returns the subscription key for a (table, tenant) pair.
func Key(table models.Table, tenantID string) string {
	return fmt.Sprintf("%s:%s", table, tenantID)
}

// Subscribe opens a change-feed channel for (table, tenantID) and delivers
// every event to onChange. An existing channel for the key is torn down
// before the new one is created.
func (m *Manager) Subscribe(tenantID string, table models.Table, onChange Callback) error {
	if !table.Valid() {
		return fmt.Errorf("unknown table %q", table)
	}
	if onChange == nil {
		return fmt.Errorf("onChange callback is required")
	}

	key := Key(table, tenantID)

	m.mu.Lock()
	if existing, ok := m.channels[key]; ok {
		existing.close()
		delete(m.channels, key)
		m.logger.Info("Replaced realtime channel",
			map[string]interface{}{"channel": key})
	}
	m.mu.Unlock()

	conn, err := m.dial(m.url + "?apikey=" + m.apiKey)
	if err != nil {
		return fmt.Errorf("dial realtime endpoint: %w", err)
	}

	frame := subscribeFrame{
		Action: "subscribe",
		Table:  table.String(),
		Filter: "tenant_id=eq." + tenantID,
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		return fmt.Errorf("send subscribe frame: %w", err)
	}

	ch := &channel{
		key:  key,
		conn: conn,
		stop: make(chan struct{}),
	}

	m.mu.Lock()
	// A concurrent Subscribe for the same key may have inserted while our
	// dial was in flight; close it instead of leaking the socket.
	if racing, ok := m.channels[key]; ok {
		racing.close()
	}
	m.channels[key] = ch
	m.mu.Unlock()

	go m.readPump(ch, onChange)
	go m.pingLoop(ch)

	m.logger.Info("Realtime channel subscribed",
		map[string]interface{}{"channel": key})
	return nil
}

// readPump reads change events off one channel and dispatches them.
func (m *Manager) readPump(ch *channel, onChange Callback) {
	defer m.drop(ch)

	ch.conn.SetReadDeadline(time.Now().Add(pongWait))
	ch.conn.SetPongHandler(func(string) error {
		ch.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := ch.conn.ReadMessage()
		if err != nil {
			select {
			case <-ch.stop:
				// Deliberate teardown.
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					m.logger.Warn("Realtime channel read error",
						map[string]interface{}{"channel": ch.key, "error": err.Error()})
				}
			}
			return
		}

		var event ChangeEvent
		if err := json.Unmarshal(message, &event); err != nil {
			m.logger.Warn("Invalid realtime event",
				map[string]interface{}{"channel": ch.key, "error": err.Error()})
			continue
		}

		// Asynchronous delivery: the read loop never blocks on a slow
		// consumer.
		go onChange(event)
	}
}

// pingLoop keeps one channel alive.
func (m *Manager) pingLoop(ch *channel) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ch.stop:
			return
		case <-ticker.C:
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ch.close()
				return
			}
		}
	}
}

// drop removes a dead channel from the registry.
func (m *Manager) drop(ch *channel) {
	ch.close()
	m.mu.Lock()
	if current, ok := m.channels[ch.key]; ok && current == ch {
		delete(m.channels, ch.key)
	}
	m.mu.Unlock()
}

// Unsubscribe tears down the channel for (table, tenantID), if any.
func (m *Manager) Unsubscribe(tenantID string, table models.Table) {
	key := Key(table, tenantID)

	m.mu.Lock()
	ch, ok := m.channels[key]
	if ok {
		delete(m.channels, key)
	}
	m.mu.Unlock()

	if ok {
		ch.close()
		m.logger.Info("Realtime channel unsubscribed",
			map[string]interface{}{"channel": key})
	}
}

// UnsubscribeAll tears down every channel.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[string]*channel)
	m.mu.Unlock()

	for key, ch := range channels {
		ch.close()
		m.logger.Info("Realtime channel unsubscribed",
			map[string]interface{}{"channel": key})
	}
}

// ActiveChannels returns the number of live subscriptions.
func (m *Manager) ActiveChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

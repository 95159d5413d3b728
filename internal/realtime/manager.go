package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/timekeeper/internal/timers"
	"github.com/MarcoPoloResearchLab/timekeeper/internal/users"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// MessageTypeAllTimers carries a user's full timer list.
	MessageTypeAllTimers = "all_timers"
	// MessageTypeActiveTimers carries only a user's running timers.
	MessageTypeActiveTimers = "active_timers"

	defaultWriteTimeout   = 5 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultFanOut         = 8
	defaultMaxMessageSize = 64 * 1024
)

var (
	errMissingTimerSource = errors.New("realtime: timer source required")
	errMissingUserFinder  = errors.New("realtime: user finder required")
)

// TimerSource lists a user's timers for snapshot construction.
type TimerSource interface {
	List(ctx context.Context, owner string, filter timers.Filter) ([]timers.Timer, error)
}

// UserFinder resolves user identifiers to accounts.
type UserFinder interface {
	FindByID(ctx context.Context, userID string) (users.User, error)
}

type snapshotMessage struct {
	Type   string        `json:"type"`
	Timers []timers.View `json:"timers"`
}

type clientMessage struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

type relayMessage struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
	Name    string          `json:"name"`
}

// ManagerConfig wires the realtime channel manager.
type ManagerConfig struct {
	Registry       *Registry
	Timers         TimerSource
	Users          UserFinder
	Logger         *zap.Logger
	Clock          clockwork.Clock
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	FanOut         int
	MaxMessageSize int64
	CheckOrigin    func(r *http.Request) bool
}

// Manager owns the live-connection registry and pushes timer snapshots to it.
type Manager struct {
	registry       *Registry
	timers         TimerSource
	users          UserFinder
	logger         *zap.Logger
	clock          clockwork.Clock
	upgrader       websocket.Upgrader
	writeTimeout   time.Duration
	pingInterval   time.Duration
	fanOut         int
	maxMessageSize int64
}

// NewManager validates the configuration and fills in defaults.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Timers == nil {
		return nil, errMissingTimerSource
	}
	if cfg.Users == nil {
		return nil, errMissingUserFinder
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	fanOut := cfg.FanOut
	if fanOut <= 0 {
		fanOut = defaultFanOut
	}
	maxMessageSize := cfg.MaxMessageSize
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &Manager{
		registry: registry,
		timers:   cfg.Timers,
		users:    cfg.Users,
		logger:   logger,
		clock:    clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		writeTimeout:   writeTimeout,
		pingInterval:   pingInterval,
		fanOut:         fanOut,
		maxMessageSize: maxMessageSize,
	}, nil
}

// Registry exposes the live-connection registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Register stores conn as its user's live connection and pushes a full snapshot.
// A connection it supersedes is closed.
func (m *Manager) Register(ctx context.Context, conn *Connection) {
	if previous := m.registry.Put(conn); previous != nil {
		m.logger.Info("realtime connection superseded",
			zap.String("user_id", conn.UserID()),
			zap.String("connection_id", previous.ID()))
		previous.close(websocket.CloseNormalClosure, "superseded by a newer connection")
	}
	m.logger.Info("realtime connection registered",
		zap.String("user_id", conn.UserID()),
		zap.String("connection_id", conn.ID()),
		zap.Int("total_connections", m.registry.Len()))
	m.pushSnapshots(ctx, conn, false)
}

// Unregister forgets conn. It is safe to call more than once.
func (m *Manager) Unregister(conn *Connection) {
	if m.registry.Remove(conn) {
		m.logger.Info("realtime connection unregistered",
			zap.String("user_id", conn.UserID()),
			zap.String("connection_id", conn.ID()))
	}
}

// DisconnectSession closes the live connection of userID when it was opened under
// sessionToken. Connections belonging to the user's other sessions are left alone.
func (m *Manager) DisconnectSession(userID, sessionToken string) {
	conn := m.registry.TakeSession(userID, sessionToken)
	if conn == nil {
		return
	}
	conn.close(websocket.CloseNormalClosure, "session ended")
	m.logger.Info("realtime connection disconnected",
		zap.String("user_id", userID),
		zap.String("connection_id", conn.ID()))
}

// CloseAll closes every live connection; used at shutdown.
func (m *Manager) CloseAll() {
	for _, conn := range m.registry.Snapshot() {
		m.registry.Remove(conn)
		conn.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// BroadcastAll pushes all_timers and active_timers snapshots to every registered
// connection, each scoped to its own user. A failure for one user never blocks the rest.
func (m *Manager) BroadcastAll(ctx context.Context) {
	connections := m.registry.Snapshot()
	if len(connections) == 0 {
		return
	}
	group := errgroup.Group{}
	group.SetLimit(m.fanOut)
	for _, conn := range connections {
		conn := conn
		group.Go(func() error {
			m.pushSnapshots(ctx, conn, true)
			return nil
		})
	}
	_ = group.Wait()
}

// Relay re-broadcasts a client payload, tagged with the sender's username, to every
// registered connection including the sender.
func (m *Manager) Relay(ctx context.Context, sender *Connection, messageType string, message json.RawMessage) {
	payload, err := json.Marshal(relayMessage{
		Type:    messageType,
		Message: message,
		Name:    sender.Username(),
	})
	if err != nil {
		m.logger.Warn("realtime relay encode failed", zap.String("user_id", sender.UserID()), zap.Error(err))
		return
	}
	connections := m.registry.Snapshot()
	group := errgroup.Group{}
	group.SetLimit(m.fanOut)
	for _, conn := range connections {
		conn := conn
		group.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			m.deliver(conn, messageType, payload)
			return nil
		})
	}
	_ = group.Wait()
	m.logger.Debug("realtime relay delivered",
		zap.String("type", messageType),
		zap.String("sender", sender.Username()),
		zap.Int("connections", len(connections)))
}

// Serve upgrades an authenticated request, registers the connection under the
// caller's session and reads client messages until the transport closes.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, user users.User, sessionToken string) error {
	socket, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := NewConnection(user.ID, user.Username, socket, m.writeTimeout)
	conn.sessionToken = sessionToken
	conn.touch(m.clock.Now())
	socket.SetReadLimit(m.maxMessageSize)
	socket.SetPongHandler(func(string) error {
		conn.touch(m.clock.Now())
		return nil
	})

	m.Register(ctx, conn)
	defer func() {
		m.Unregister(conn)
		conn.close(websocket.CloseNormalClosure, "")
	}()

	go m.keepAlive(ctx, conn, 2*m.pingInterval)

	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !conn.isClosed() {
				m.logger.Warn("realtime connection closed unexpectedly",
					zap.String("user_id", conn.UserID()),
					zap.String("connection_id", conn.ID()),
					zap.Error(err))
			}
			return nil
		}
		conn.touch(m.clock.Now())
		m.handleClientMessage(ctx, conn, data)
	}
}

func (m *Manager) handleClientMessage(ctx context.Context, conn *Connection, data []byte) {
	var message clientMessage
	if err := json.Unmarshal(data, &message); err != nil {
		m.logger.Debug("realtime client message ignored",
			zap.String("connection_id", conn.ID()),
			zap.String("reason", "malformed"),
			zap.Error(err))
		return
	}
	switch message.Type {
	case MessageTypeAllTimers, MessageTypeActiveTimers:
		m.Relay(ctx, conn, message.Type, message.Message)
	default:
		m.logger.Debug("realtime client message ignored",
			zap.String("connection_id", conn.ID()),
			zap.String("reason", "unknown_type"),
			zap.String("type", message.Type))
	}
}

// keepAlive pings conn every ping interval and closes it once nothing, pongs
// included, has been heard from the peer for longer than pongWait.
func (m *Manager) keepAlive(ctx context.Context, conn *Connection, pongWait time.Duration) {
	ticker := m.clock.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if silent := m.clock.Since(conn.lastSeenAt()); silent > pongWait {
				m.logger.Info("realtime connection timed out",
					zap.String("user_id", conn.UserID()),
					zap.String("connection_id", conn.ID()),
					zap.Duration("silent_for", silent))
				conn.close(websocket.CloseGoingAway, "keepalive timeout")
				return
			}
			if err := conn.ping(); err != nil {
				m.logger.Debug("realtime ping failed",
					zap.String("connection_id", conn.ID()),
					zap.Error(err))
				return
			}
		}
	}
}

func (m *Manager) pushSnapshots(ctx context.Context, conn *Connection, withActive bool) {
	user, err := m.users.FindByID(ctx, conn.UserID())
	if err != nil {
		m.logger.Warn("realtime snapshot skipped",
			zap.String("user_id", conn.UserID()),
			zap.String("reason", "user_lookup_failed"),
			zap.Error(err))
		return
	}
	records, err := m.timers.List(ctx, user.Username, timers.FilterAll)
	if err != nil {
		m.logger.Warn("realtime snapshot skipped",
			zap.String("user_id", conn.UserID()),
			zap.String("reason", "timer_query_failed"),
			zap.Error(err))
		return
	}

	views := timers.Views(records)
	m.sendSnapshot(conn, MessageTypeAllTimers, views)
	if withActive {
		m.sendSnapshot(conn, MessageTypeActiveTimers, timers.ActiveViews(views))
	}
}

func (m *Manager) sendSnapshot(conn *Connection, messageType string, views []timers.View) {
	payload, err := json.Marshal(snapshotMessage{Type: messageType, Timers: views})
	if err != nil {
		m.logger.Warn("realtime snapshot encode failed", zap.String("type", messageType), zap.Error(err))
		return
	}
	m.deliver(conn, messageType, payload)
}

func (m *Manager) deliver(conn *Connection, messageType string, payload []byte) {
	if err := conn.send(payload); err != nil {
		m.logger.Debug("realtime push failed",
			zap.String("user_id", conn.UserID()),
			zap.String("connection_id", conn.ID()),
			zap.String("type", messageType),
			zap.Error(err))
	}
}

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/adwski/headtag/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	defaultHeartbeatInterval = 30 * time.Second

	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketMaxMessageSize     = 9000
)

var (
	ErrDial        = errors.New("unable to open channel")
	ErrBadEndpoint = errors.New("unsupported endpoint scheme")
)

// State of the channel connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ReconnectPolicy caps automatic redial attempts after an unexpected
// disconnect.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
}

// Delay returns base*2^attempt capped at MaxDelay.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

type (
	Config struct {
		Logger            *zerolog.Logger
		Clock             clockwork.Clock
		ServerURL         string
		HeartbeatInterval time.Duration
		Policy            ReconnectPolicy
		Dialer            *websocket.Dialer

		// OnEvent receives every inbound event except pong, plus one
		// synthetic close event when reconnects are exhausted.
		OnEvent func(ev model.Event)
		// OnReconnect fires after every successful automatic re-open.
		OnReconnect func()
		// OnClose fires exactly once when the channel is terminally
		// down and will not retry on its own.
		OnClose func()
	}

	// Manager owns one logical connection to a room/player pair. It
	// masks transient failures with heartbeats and exponential-backoff
	// redials. Timers and read loops are tagged with an epoch counter
	// so callbacks from a superseded connection never act.
	Manager struct {
		logger zerolog.Logger
		clock  clockwork.Clock
		dialer *websocket.Dialer

		heartbeatInterval time.Duration
		policy            ReconnectPolicy
		serverURL         string

		onEvent     func(ev model.Event)
		onReconnect func()
		onClose     func()

		mx       sync.Mutex
		writeMx  sync.Mutex
		state    State
		epoch    uint64
		attempt  int
		conn     *websocket.Conn
		invalid  chan struct{} // closed when current epoch is superseded
		roomCode string
		playerID string
	}
)

func NewManager(cfg Config) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultWebSocketHandshakeTimeout}
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	policy := cfg.Policy
	if policy.MaxAttempts == 0 && policy.BaseDelay == 0 {
		policy = DefaultReconnectPolicy()
	}
	return &Manager{
		logger:            cfg.Logger.With().Str("component", "channel").Logger(),
		clock:             clock,
		dialer:            dialer,
		heartbeatInterval: interval,
		policy:            policy,
		serverURL:         cfg.ServerURL,
		onEvent:           cfg.OnEvent,
		onReconnect:       cfg.OnReconnect,
		onClose:           cfg.OnClose,
		state:             StateIdle,
	}
}

// State reports the current connection state.
func (m *Manager) State() State {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state
}

// Open dials the room channel. A failed dial is returned synchronously
// and never retried, the caller decides. A successful open supersedes
// any previous connection of this manager.
func (m *Manager) Open(ctx context.Context, roomCode, playerID string) error {
	wsURL, err := endpointURL(m.serverURL, roomCode, playerID)
	if err != nil {
		return err
	}

	m.mx.Lock()
	m.supersedeLocked()
	m.state = StateConnecting
	m.roomCode = roomCode
	m.playerID = playerID
	m.mx.Unlock()

	conn, _, err := m.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		m.mx.Lock()
		m.state = StateIdle
		m.mx.Unlock()
		return errors.Join(ErrDial, err)
	}

	m.startConn(conn, false)
	m.logger.Info().
		Str("roomCode", roomCode).
		Str("playerID", playerID).
		Msg("channel open")
	return nil
}

// startConn installs conn as the current connection under a fresh
// epoch and launches its read and heartbeat loops. On a reconnect the
// OnReconnect hook runs before the read loop starts, so the forced
// snapshot refetch always precedes any delta from the new connection.
func (m *Manager) startConn(conn *websocket.Conn, reconnected bool) {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)

	m.mx.Lock()
	m.epoch++
	m.attempt = 0
	m.state = StateOpen
	m.conn = conn
	m.invalid = make(chan struct{})
	epoch, invalid := m.epoch, m.invalid
	m.mx.Unlock()

	logger := m.logger.With().
		Uint64("epoch", epoch).
		Str("connID", uuid.NewString()).
		Logger()

	if reconnected && m.onReconnect != nil {
		m.onReconnect()
	}

	go m.readLoop(epoch, conn, &logger)
	go m.heartbeat(epoch, invalid, &logger)
}

// supersedeLocked invalidates the current epoch: pending timers and
// loops observe the closed channel (or the epoch bump) and no-op.
func (m *Manager) supersedeLocked() {
	m.epoch++
	if m.invalid != nil {
		close(m.invalid)
		m.invalid = nil
	}
	if m.conn != nil {
		m.closeConn(m.conn)
		m.conn = nil
	}
}

// Send marshals {"type": kind, ...} and writes it out. Best-effort:
// the event is silently dropped unless the channel is open.
func (m *Manager) Send(kind string, ev model.Event) {
	m.mx.Lock()
	conn, open := m.conn, m.state == StateOpen
	m.mx.Unlock()
	if !open || conn == nil {
		m.logger.Debug().Str("type", kind).Msg("channel not open, event dropped")
		return
	}

	ev.Type = kind
	b, err := json.Marshal(&ev)
	if err != nil {
		m.logger.Error().Err(err).Str("type", kind).Msg("cannot marshal outgoing event")
		return
	}

	m.writeMx.Lock()
	defer m.writeMx.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
	if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
		m.logger.Error().Err(err).Str("type", kind).Msg("cannot write outgoing event")
	}
}

// Close shuts the channel down for good, cancelling heartbeat and any
// pending reconnect. Idempotent.
func (m *Manager) Close() {
	m.mx.Lock()
	if m.state == StateClosed {
		m.mx.Unlock()
		return
	}
	m.state = StateClosing
	m.supersedeLocked()
	m.state = StateClosed
	m.mx.Unlock()
	m.logger.Debug().Msg("channel closed")
}

func (m *Manager) readLoop(epoch uint64, conn *websocket.Conn, logger *zerolog.Logger) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("connection closed")
			} else {
				logger.Debug().Err(err).Msg("receive failed")
			}
			m.connLost(epoch)
			return
		}

		var ev model.Event
		if err = json.Unmarshal(msg, &ev); err != nil {
			logger.Error().Err(err).Msg("cannot unmarshal incoming event")
			continue
		}
		if ev.Type == model.KindPong {
			logger.Trace().Msg("got pong")
			continue
		}

		m.mx.Lock()
		stale := m.epoch != epoch
		m.mx.Unlock()
		if stale {
			return
		}
		if m.onEvent != nil {
			m.onEvent(ev)
		}
	}
}

func (m *Manager) heartbeat(epoch uint64, invalid <-chan struct{}, logger *zerolog.Logger) {
	ticker := m.clock.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-invalid:
			return
		case <-ticker.Chan():
		}

		m.mx.Lock()
		conn, ok := m.conn, m.epoch == epoch && m.state == StateOpen
		m.mx.Unlock()
		if !ok || conn == nil {
			return
		}

		b, _ := json.Marshal(&model.Event{Type: model.KindPing})
		m.writeMx.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
		err := conn.WriteMessage(websocket.TextMessage, b)
		m.writeMx.Unlock()
		if err != nil {
			logger.Error().Err(err).Msg("cannot send ping")
			continue
		}
		logger.Trace().Msg("ping sent")
	}
}

// connLost handles an unexpected disconnect of the connection opened
// under epoch. Explicit Close and superseded epochs are ignored.
func (m *Manager) connLost(epoch uint64) {
	m.mx.Lock()
	if m.epoch != epoch || m.state == StateClosing || m.state == StateClosed {
		m.mx.Unlock()
		return
	}
	m.supersedeLocked()
	m.state = StateConnecting
	m.scheduleReconnectLocked()
	m.mx.Unlock()
}

// scheduleReconnectLocked arms the backoff timer for the next redial,
// or gives up terminally when attempts are exhausted.
func (m *Manager) scheduleReconnectLocked() {
	if m.attempt >= m.policy.MaxAttempts {
		m.state = StateClosed
		m.logger.Warn().
			Int("attempts", m.attempt).
			Msg("reconnect attempts exhausted, channel is down")
		go m.emitTerminalClose()
		return
	}

	delay := m.policy.Delay(m.attempt)
	m.attempt++
	epoch := m.epoch
	m.invalid = make(chan struct{})
	invalid := m.invalid

	m.logger.Info().
		Dur("delay", delay).
		Int("attempt", m.attempt).
		Msg("reconnecting")

	timer := m.clock.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-invalid:
			return
		case <-timer.Chan():
		}
		m.redial(epoch)
	}()
}

func (m *Manager) redial(epoch uint64) {
	m.mx.Lock()
	if m.epoch != epoch || m.state != StateConnecting {
		m.mx.Unlock()
		return
	}
	roomCode, playerID := m.roomCode, m.playerID
	m.mx.Unlock()

	wsURL, err := endpointURL(m.serverURL, roomCode, playerID)
	if err != nil {
		// Endpoint was valid on Open; treat as a failed attempt.
		m.logger.Error().Err(err).Msg("reconnect endpoint invalid")
	}

	var conn *websocket.Conn
	if err == nil {
		conn, _, err = m.dialer.Dial(wsURL, nil)
	}
	if err != nil {
		m.mx.Lock()
		if m.epoch != epoch || m.state != StateConnecting {
			m.mx.Unlock()
			return
		}
		m.logger.Debug().Err(err).Msg("reconnect dial failed")
		m.scheduleReconnectLocked()
		m.mx.Unlock()
		return
	}

	m.startConn(conn, true)
	m.logger.Info().Str("roomCode", roomCode).Msg("channel reopened")
}

func (m *Manager) emitTerminalClose() {
	if m.onEvent != nil {
		m.onEvent(model.Event{Type: model.KindClose})
	}
	if m.onClose != nil {
		m.onClose()
	}
}

// endpointURL converts an http(s) base URL into the ws(s) channel URL
// for the given room and player.
func endpointURL(base, roomCode, playerID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Join(ErrBadEndpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", ErrBadEndpoint
	}
	u.Path = "/ws/" + url.PathEscape(roomCode) + "/" + url.PathEscape(playerID)
	u.RawQuery = ""
	return u.String(), nil
}

// closeConn writes the close frame and tears the socket down. The
// frame write shares writeMx with heartbeat pings and Send: gorilla
// connections allow only one concurrent writer.
func (m *Manager) closeConn(conn *websocket.Conn) {
	m.writeMx.Lock()
	err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if err == nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	m.writeMx.Unlock()
	if err = conn.Close(); err != nil {
		m.logger.Debug().Err(err).Msg("websocket close failed")
	}
}

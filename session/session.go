package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/headtag/api"
	"github.com/adwski/headtag/channel"
	"github.com/adwski/headtag/dispatch"
	"github.com/adwski/headtag/model"
	"github.com/adwski/headtag/roomstate"
	"github.com/adwski/headtag/storage/sqlite"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrNotAMember - no identity is stored for this room. Callers react
// by prompting a join form, not by showing an error banner.
var ErrNotAMember = api.ErrNotAMember

// SignalKind tells the caller what to do next.
type SignalKind int

const (
	// SignalUpdate - room state changed, re-render from Snapshot().
	SignalUpdate SignalKind = iota
	// SignalGame - navigate to the live-game phase. Emitted at most
	// once per session.
	SignalGame
	// SignalHome - navigate home, the session is over.
	SignalHome
	// SignalDisconnected - reconnects exhausted, the channel is
	// terminally down. Caller offers manual retry or navigates away.
	SignalDisconnected
)

type Signal struct {
	Kind SignalKind
}

type (
	// API is the REST surface the session needs.
	API interface {
		FetchRoom(ctx context.Context, code, playerID string) (*model.RoomSnapshot, error)
		Join(ctx context.Context, code, name string) (*model.Player, error)
		Start(ctx context.Context, code string) error
	}

	// StateStore persists identity and the idempotency ledger across
	// process restarts. Identity reports sqlite.ErrNoIdentity when
	// nothing is stored for the room.
	StateStore interface {
		SaveIdentity(ctx context.Context, id model.Identity) error
		Identity(ctx context.Context, roomCode string) (model.Identity, error)
		ClearIdentity(ctx context.Context, roomCode string) error
		RecordAction(ctx context.Context, actionID string) error
		HasAction(ctx context.Context, actionID string) (bool, error)
	}

	// Channel is the live connection surface the session needs.
	Channel interface {
		Open(ctx context.Context, roomCode, playerID string) error
		Send(kind string, ev model.Event)
		Close()
	}

	Config struct {
		Logger    *zerolog.Logger
		API       API
		State     StateStore
		Clock     clockwork.Clock
		ServerURL string
		Heartbeat time.Duration
		Policy    channel.ReconnectPolicy

		// NewChannel overrides channel construction, tests use it.
		NewChannel func(cfg channel.Config) Channel
	}

	// Session wires the channel, dispatcher and room store together
	// for one room page and drives page-level transitions through
	// Signals.
	Session struct {
		logger     zerolog.Logger
		api        API
		state      StateStore
		clock      clockwork.Clock
		serverURL  string
		heartbeat  time.Duration
		policy     channel.ReconnectPolicy
		newChannel func(cfg channel.Config) Channel

		ctx    context.Context
		cancel context.CancelFunc

		events *dispatch.Dispatcher
		room   *roomstate.Store
		ch     Channel

		mx           sync.Mutex
		identity     model.Identity
		opponentName string
		navigated    bool

		signals chan Signal
	}
)

func New(cfg Config) *Session {
	logger := cfg.Logger.With().Str("component", "session").Logger()
	s := &Session{
		logger:     logger,
		api:        cfg.API,
		state:      cfg.State,
		clock:      cfg.Clock,
		serverURL:  cfg.ServerURL,
		heartbeat:  cfg.Heartbeat,
		policy:     cfg.Policy,
		newChannel: cfg.NewChannel,
		events:     dispatch.NewDispatcher(cfg.Logger),
		signals:    make(chan Signal, 16),
	}
	if s.newChannel == nil {
		s.newChannel = func(cfg channel.Config) Channel {
			return channel.NewManager(cfg)
		}
	}
	return s
}

// Signals delivers page-transition and re-render signals. The channel
// is buffered; a caller that never drains it loses signals, not
// consistency.
func (s *Session) Signals() <-chan Signal {
	return s.signals
}

// On registers an additional event handler, e.g. for rendering inbound
// chat lines as they arrive.
func (s *Session) On(kind string, handler dispatch.Handler) *dispatch.Subscription {
	return s.events.On(kind, handler)
}

// Snapshot returns the current room state copy.
func (s *Session) Snapshot() model.RoomSnapshot {
	if s.room == nil {
		return model.RoomSnapshot{}
	}
	return s.room.Snapshot()
}

// OpponentName is the neighbour this player writes a character for, as
// told by the init handshake.
func (s *Session) OpponentName() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.opponentName
}

// Identity returns the resolved identity for the entered room.
func (s *Session) Identity() model.Identity {
	return s.identity
}

// Enter resolves the stored identity for roomCode, loads the snapshot
// and opens the live channel. ErrNotAMember means the caller must run
// the join flow first. If the room is already started the game signal
// fires immediately, without waiting for a push event.
func (s *Session) Enter(ctx context.Context, roomCode string) error {
	identity, err := s.state.Identity(ctx, roomCode)
	switch {
	case errors.Is(err, sqlite.ErrNoIdentity):
		s.logger.Debug().Str("roomCode", roomCode).Msg("no identity for room")
		return ErrNotAMember
	case err != nil:
		return fmt.Errorf("cannot load identity: %w", err)
	}
	return s.enter(ctx, identity)
}

// Join registers a new member through the REST API, persists the
// returned identity and proceeds with the regular Enter flow.
func (s *Session) Join(ctx context.Context, roomCode, name string) error {
	player, err := s.api.Join(ctx, roomCode, name)
	if err != nil {
		return err
	}
	identity := model.Identity{
		RoomCode:   roomCode,
		PlayerID:   player.ID,
		PlayerName: player.Name,
	}
	if err = s.state.SaveIdentity(ctx, identity); err != nil {
		return err
	}
	return s.enter(ctx, identity)
}

func (s *Session) enter(ctx context.Context, identity model.Identity) error {
	s.identity = identity
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.room = roomstate.NewStore(roomstate.Config{
		Logger:   &s.logger,
		Fetcher:  s.api,
		RoomCode: identity.RoomCode,
		PlayerID: identity.PlayerID,
		OnChange: func() { s.emit(SignalUpdate) },
	})
	if err := s.room.Refresh(ctx); err != nil {
		return err
	}

	s.wireHandlers()

	ch := s.newChannel(channel.Config{
		Logger:            &s.logger,
		Clock:             s.clock,
		ServerURL:         s.serverURL,
		HeartbeatInterval: s.heartbeat,
		Policy:            s.policy,
		OnEvent:           s.events.Emit,
		OnReconnect:       func() { _ = s.room.Refresh(s.ctx) },
		OnClose:           func() { s.emit(SignalDisconnected) },
	})
	if err := ch.Open(ctx, identity.RoomCode, identity.PlayerID); err != nil {
		return err
	}
	s.ch = ch

	s.logger.Info().
		Str("roomCode", identity.RoomCode).
		Str("playerID", identity.PlayerID).
		Msg("session entered")

	if s.room.Snapshot().Started {
		s.navigateGame()
	}
	return nil
}

// wireHandlers routes pushed deltas into the room store and lifecycle
// kinds into signals. All observable state changes arrive through
// here, locally originated actions included.
func (s *Session) wireHandlers() {
	for _, kind := range []string{
		model.KindJoin, model.KindLeave, model.KindPlayerLeft,
		model.KindSetChar, model.KindAddWinner,
		model.KindChat, model.KindQuestion, model.KindAnswer,
		model.KindGuess, model.KindGuessResult,
		model.KindGameState,
	} {
		s.events.On(kind, func(ev model.Event) {
			s.room.Apply(s.ctx, ev)
		})
	}
	s.events.On(model.KindInit, func(ev model.Event) {
		s.mx.Lock()
		s.opponentName = ev.OpponentName
		s.mx.Unlock()
		s.emit(SignalUpdate)
	})
	s.events.On(model.KindGameStarted, func(model.Event) {
		s.navigateGame()
	})
}

// StartGame asks the authority to begin. Navigation happens when the
// game_started push arrives, same as for every other member.
func (s *Session) StartGame(ctx context.Context) error {
	return s.api.Start(ctx, s.identity.RoomCode)
}

// Leave closes the channel, forgets the identity for this room and
// signals navigation home.
func (s *Session) Leave(ctx context.Context) {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.events.Reset()
	if err := s.state.ClearIdentity(ctx, s.identity.RoomCode); err != nil {
		s.logger.Error().Err(err).Msg("cannot clear identity")
	}
	s.emit(SignalHome)
	s.logger.Info().Str("roomCode", s.identity.RoomCode).Msg("session left")
}

// Action senders. No local mutation here: the resulting delta comes
// back through the dispatcher like any other player's action.

func (s *Session) SendChat(text string)      { s.send(model.KindChat, model.Event{Text: text}) }
func (s *Session) SendQuestion(text string)  { s.send(model.KindQuestion, model.Event{Text: text}) }
func (s *Session) SendAnswer(text string)    { s.send(model.KindAnswer, model.Event{Text: text}) }
func (s *Session) SendGuess(character string) {
	s.send(model.KindGuess, model.Event{Character: character})
}
func (s *Session) SendCharacter(character string) {
	s.send(model.KindSetChar, model.Event{Character: character})
}
func (s *Session) AddWinner(winnerID string) {
	s.send(model.KindAddWinner, model.Event{WinnerID: winnerID})
}
func (s *Session) RemovePlayer(removedID string) {
	s.send(model.KindRemovePlayer, model.Event{RemovedID: removedID})
}

// MarkAnswerCorrect awards a win for an answer message, once. The
// ledger suppresses repeats across reconnects and restarts; the server
// stays the final arbiter, this is a UX guard only. Returns false when
// the action was already applied.
func (s *Session) MarkAnswerCorrect(ctx context.Context, answer model.Event) (bool, error) {
	key := AnswerKey(answer)
	seen, err := s.state.HasAction(ctx, key)
	if err != nil {
		return false, err
	}
	if seen {
		s.logger.Debug().Str("actionID", key).Msg("answer already marked, suppressed")
		return false, nil
	}
	s.AddWinner(answer.PlayerID)
	if err = s.state.RecordAction(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Session) send(kind string, ev model.Event) {
	if s.ch == nil {
		s.logger.Debug().Str("type", kind).Msg("no channel, event dropped")
		return
	}
	s.ch.Send(kind, ev)
}

func (s *Session) navigateGame() {
	s.mx.Lock()
	if s.navigated {
		s.mx.Unlock()
		return
	}
	s.navigated = true
	s.mx.Unlock()
	s.emit(SignalGame)
}

func (s *Session) emit(kind SignalKind) {
	select {
	case s.signals <- Signal{Kind: kind}:
	default:
		s.logger.Warn().Int("kind", int(kind)).Msg("signal dropped, caller not draining")
	}
}

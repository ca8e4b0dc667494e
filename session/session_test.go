package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/headtag/api"
	"github.com/adwski/headtag/channel"
	"github.com/adwski/headtag/model"
	"github.com/adwski/headtag/storage/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAPI struct {
	mu         sync.Mutex
	snap       model.RoomSnapshot
	fetchErr   error
	fetchCalls int
	joined     *model.Player
	joinErr    error
	startCalls int
}

func (a *stubAPI) FetchRoom(context.Context, string, string) (*model.RoomSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchCalls++
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	snap := a.snap
	return &snap, nil
}

func (a *stubAPI) Join(context.Context, string, string) (*model.Player, error) {
	if a.joinErr != nil {
		return nil, a.joinErr
	}
	return a.joined, nil
}

func (a *stubAPI) Start(context.Context, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startCalls++
	return nil
}

func (a *stubAPI) fetches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetchCalls
}

type stubState struct {
	mu          sync.Mutex
	identities  map[string]model.Identity
	actions     map[string]bool
	identityErr error
}

func newStubState() *stubState {
	return &stubState{
		identities: make(map[string]model.Identity),
		actions:    make(map[string]bool),
	}
}

func (s *stubState) SaveIdentity(_ context.Context, id model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[id.RoomCode] = id
	return nil
}

func (s *stubState) Identity(_ context.Context, roomCode string) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identityErr != nil {
		return model.Identity{}, s.identityErr
	}
	id, ok := s.identities[roomCode]
	if !ok {
		return model.Identity{}, sqlite.ErrNoIdentity
	}
	return id, nil
}

func (s *stubState) ClearIdentity(_ context.Context, roomCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, roomCode)
	return nil
}

func (s *stubState) RecordAction(_ context.Context, actionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[actionID] = true
	return nil
}

func (s *stubState) HasAction(_ context.Context, actionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actions[actionID], nil
}

type sentEvent struct {
	kind string
	ev   model.Event
}

type stubChannel struct {
	mu      sync.Mutex
	openErr error
	opened  []string
	sends   []sentEvent
	closed  bool
}

func (c *stubChannel) Open(_ context.Context, roomCode, playerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.opened = append(c.opened, roomCode+"/"+playerID)
	return nil
}

func (c *stubChannel) Send(kind string, ev model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, sentEvent{kind: kind, ev: ev})
}

func (c *stubChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *stubChannel) sent() []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentEvent(nil), c.sends...)
}

type fixture struct {
	api     *stubAPI
	state   *stubState
	ch      *stubChannel
	chCfg   channel.Config
	session *Session
}

func newFixture(t *testing.T, snap model.RoomSnapshot) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	f := &fixture{
		api:   &stubAPI{snap: snap},
		state: newStubState(),
		ch:    &stubChannel{},
	}
	f.session = New(Config{
		Logger:    &logger,
		API:       f.api,
		State:     f.state,
		ServerURL: "http://headtag.test",
		NewChannel: func(cfg channel.Config) Channel {
			f.chCfg = cfg
			return f.ch
		},
	})
	return f
}

func (f *fixture) member(t *testing.T) {
	t.Helper()
	require.NoError(t, f.state.SaveIdentity(context.Background(), model.Identity{
		RoomCode: "ABCD", PlayerID: "alice", PlayerName: "Alice",
	}))
}

func lobbySnapshot() model.RoomSnapshot {
	return model.RoomSnapshot{
		Code:       "ABCD",
		Players:    []model.Player{{ID: "alice", Name: "Alice"}, {ID: "bob", Name: "Bob"}},
		Characters: map[string]string{},
	}
}

// waitSignal drains signals until kind shows up, so tests never hang.
func waitSignal(t *testing.T, s *Session, kind SignalKind) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case sig := <-s.Signals():
			if sig.Kind == kind {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for signal %d", kind)
		}
	}
}

func countSignals(s *Session, kind SignalKind, within time.Duration) int {
	var n int
	deadline := time.After(within)
	for {
		select {
		case sig := <-s.Signals():
			if sig.Kind == kind {
				n++
			}
		case <-deadline:
			return n
		}
	}
}

func TestSession_EnterWithoutIdentity(t *testing.T) {
	f := newFixture(t, lobbySnapshot())

	err := f.session.Enter(context.Background(), "ABCD")
	assert.ErrorIs(t, err, ErrNotAMember)
	assert.Empty(t, f.ch.opened)
}

// A storage fault is not a membership miss: the caller must see the
// error, not be steered into the join flow.
func TestSession_EnterStorageFaultPassesThrough(t *testing.T) {
	f := newFixture(t, lobbySnapshot())
	f.state.identityErr = errors.New("disk fault")

	err := f.session.Enter(context.Background(), "ABCD")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotAMember)
	assert.Empty(t, f.ch.opened)
}

func TestSession_EnterNotAMemberOnServer(t *testing.T) {
	f := newFixture(t, lobbySnapshot())
	f.member(t)
	f.api.fetchErr = api.ErrNotAMember

	err := f.session.Enter(context.Background(), "ABCD")
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestSession_EnterOpensChannelAndLoadsSnapshot(t *testing.T) {
	f := newFixture(t, lobbySnapshot())
	f.member(t)

	require.NoError(t, f.session.Enter(context.Background(), "ABCD"))

	assert.Equal(t, []string{"ABCD/alice"}, f.ch.opened)
	assert.Len(t, f.session.Snapshot().Players, 2)
	waitSignal(t, f.session, SignalUpdate)
}

func TestSession_EnterStartedRoomSignalsGameImmediately(t *testing.T) {
	snap := lobbySnapshot()
	snap.Started = true
	f := newFixture(t, snap)
	f.member(t)

	require.NoError(t, f.session.Enter(context.Background(), "ABCD"))
	waitSignal(t, f.session, SignalGame)
}

func TestSession_DeltasFlowIntoRoomState(t *testing.T) {
	f := newFixture(t, lobbySnapshot())
	f.member(t)
	require.NoError(t, f.session.Enter(context.Background(), "ABCD"))

	f.chCfg.OnEvent(model.Event{Type: model.KindChat, PlayerID: "bob", Text: "hi"})
	f.chCfg.OnEvent(model.Event{Type: model.KindSetChar, PlayerID: "bob", Character: "Batman"})

	snap := f.session.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hi", snap.Messages[0].Text)
	assert.Equal(t, "Batman", snap.Characters["bob"])
}

func TestSession_GameStartedSignalIsOneShot(t *testing.T) {
	f := newFixture(t, lobbySnapshot())
	f.member(t)
	require.NoError(t, f.session.Enter(context.Background(), "ABCD"))

	f.chCfg.OnEvent(model.Event{Type: model.KindGameStarted})
	f.chCfg.OnEvent(model.Event{Type: model.KindGameStarted})

	assert.Equal(t, 1, countSignals(f.session, SignalGame, 100*time.Millisecond))
}

func TestSession_InitHandshakeKeepsOpponentName(t *testing.T) {
	f := newFixture(t, lobbySnapshot())
	f.member(t)
	require.NoError(t, f.session.Enter(context.Background(), "ABCD"))

	f.chCfg.OnEvent(model.Event{Type: model.KindInit, OpponentName: "Bob"})

	assert.Equal(t, "Bob", f.session.OpponentName())
}

func TestSession_ReconnectForcesSnapshotRefetch(t *testing.T) {
	f := newFixture(t, lobbySnapshot())
	f.member(t)
	require.NoError(t, f.session.Enter(context.Background(), "ABCD"))
	before := f.api.fetches()

	f.chCfg.OnReconnect()

	assert.Equal(t, before+1, f.api.fetches())
}

func TestSession_TerminalCloseSignalsDisconnected(t *testing.T) {
	f := newFixture(t, lobbySnapshot())
	f.member(t)
	require.NoError(t, f.session.Enter(context.Background(), "ABCD"))

	f.chCfg.OnClose()
	waitSignal(t, f.session, SignalDisconnected)
}

func TestSession_SendersAreThinWrappers(t *testing.T) {
	f := newFixture(t, lobbySnapshot())
	f.member(t)
	require.NoError(t, f.session.Enter(context.Background(), "ABCD"))

	f.session.SendChat("hi")
	f.session.SendGuess("Batman")
	f.session.RemovePlayer("bob")

	sent := f.ch.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, model.KindChat, sent[0].kind)
	assert.Equal(t, "hi", sent[0].ev.Text)
	assert.Equal(t, model.KindGuess, sent[1].kind)
	assert.Equal(t, "bob", sent[2].ev.RemovedID)

	// no local mutation: the delta has not come back yet
	assert.Empty(t, f.session.Snapshot().Messages)
}

func TestSession_MarkAnswerCorrectIsIdempotent(t *testing.T) {
	f := newFixture(t, lobbySnapshot())
	f.member(t)
	require.NoError(t, f.session.Enter(context.Background(), "ABCD"))

	answer := model.Event{Type: model.KindAnswer, PlayerID: "bob", Text: "yes!", Timestamp: 42}

	applied, err := f.session.MarkAnswerCorrect(context.Background(), answer)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = f.session.MarkAnswerCorrect(context.Background(), answer)
	require.NoError(t, err)
	assert.False(t, applied, "second submission must be suppressed")

	sent := f.ch.sent()
	require.Len(t, sent, 1, "suppressed before sending")
	assert.Equal(t, model.KindAddWinner, sent[0].kind)
	assert.Equal(t, "bob", sent[0].ev.WinnerID)
	assert.Len(t, f.state.actions, 1)
}

func TestSession_JoinPersistsIdentityAndEnters(t *testing.T) {
	f := newFixture(t, lobbySnapshot())
	f.api.joined = &model.Player{ID: "carol", Name: "Carol"}

	require.NoError(t, f.session.Join(context.Background(), "ABCD", "Carol"))

	id, err := f.state.Identity(context.Background(), "ABCD")
	require.NoError(t, err)
	assert.Equal(t, "carol", id.PlayerID)
	assert.Equal(t, []string{"ABCD/carol"}, f.ch.opened)
}

func TestSession_LeaveClearsIdentityAndClosesChannel(t *testing.T) {
	f := newFixture(t, lobbySnapshot())
	f.member(t)
	require.NoError(t, f.session.Enter(context.Background(), "ABCD"))

	f.session.Leave(context.Background())

	assert.True(t, f.ch.closed)
	_, err := f.state.Identity(context.Background(), "ABCD")
	assert.ErrorIs(t, err, sqlite.ErrNoIdentity)
	waitSignal(t, f.session, SignalHome)
}

func TestSession_StartGameDelegates(t *testing.T) {
	f := newFixture(t, lobbySnapshot())
	f.member(t)
	require.NoError(t, f.session.Enter(context.Background(), "ABCD"))

	require.NoError(t, f.session.StartGame(context.Background()))
	assert.Equal(t, 1, f.api.startCalls)
}

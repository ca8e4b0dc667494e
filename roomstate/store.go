package roomstate

import (
	"context"
	"sync"

	"github.com/adwski/headtag/model"
	"github.com/rs/zerolog"
)

// Fetcher retrieves the authoritative room snapshot.
type Fetcher interface {
	FetchRoom(ctx context.Context, code, playerID string) (*model.RoomSnapshot, error)
}

type (
	Config struct {
		Logger   *zerolog.Logger
		Fetcher  Fetcher
		RoomCode string
		PlayerID string

		// OnChange fires once per observable state change, after the
		// snapshot is consistent. The UI re-renders from Snapshot().
		OnChange func()
	}

	// Store is the single source of truth for room-derived state. It
	// merges full snapshot refetches with incrementally pushed deltas:
	// deltas apply optimistically, a refetch replaces everything and
	// heals any divergence.
	Store struct {
		logger   zerolog.Logger
		fetcher  Fetcher
		roomCode string
		playerID string
		onChange func()

		mx   sync.RWMutex
		snap model.RoomSnapshot
	}
)

func NewStore(cfg Config) *Store {
	return &Store{
		logger:   cfg.Logger.With().Str("component", "roomstate").Logger(),
		fetcher:  cfg.Fetcher,
		roomCode: cfg.RoomCode,
		playerID: cfg.PlayerID,
		onChange: cfg.OnChange,
		snap:     model.RoomSnapshot{Characters: make(map[string]string)},
	}
}

// Snapshot returns a copy of the current room state. Callers read it
// freely, they never mutate store state through it.
func (s *Store) Snapshot() model.RoomSnapshot {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return copySnapshot(s.snap)
}

// Refresh fetches the authoritative snapshot and replaces local state
// wholesale. Observers are notified once per successful refresh.
func (s *Store) Refresh(ctx context.Context) error {
	snap, err := s.fetcher.FetchRoom(ctx, s.roomCode, s.playerID)
	if err != nil {
		s.logger.Debug().Err(err).Msg("snapshot refetch failed")
		return err
	}
	if snap.Characters == nil {
		snap.Characters = make(map[string]string)
	}

	s.mx.Lock()
	s.snap = *snap
	s.mx.Unlock()

	s.logger.Debug().
		Str("roomCode", snap.Code).
		Int("players", len(snap.Players)).
		Bool("started", snap.Started).
		Msg("snapshot replaced")
	s.notify()
	return nil
}

// Apply mutates local state according to one pushed delta. A
// game_state event is not applied: it forces a Refresh, the server is
// telling us our copy may be stale.
func (s *Store) Apply(ctx context.Context, ev model.Event) {
	switch ev.Type {
	case model.KindGameState:
		_ = s.Refresh(ctx)
		return

	case model.KindJoin:
		s.mx.Lock()
		s.addPlayerLocked(model.Player{ID: ev.PlayerID, Name: ev.PlayerName})
		s.mx.Unlock()

	case model.KindLeave:
		s.mx.Lock()
		s.removePlayerLocked(ev.PlayerID)
		s.mx.Unlock()

	case model.KindPlayerLeft:
		removed := ev.RemovedID
		if removed == "" {
			removed = ev.PlayerID
		}
		s.mx.Lock()
		s.removePlayerLocked(removed)
		s.mx.Unlock()

	case model.KindSetChar:
		s.mx.Lock()
		s.snap.Characters[ev.PlayerID] = ev.Character
		s.mx.Unlock()

	case model.KindAddWinner:
		s.mx.Lock()
		if !s.markWinnerLocked(ev.WinnerID) {
			// Unknown player: never fabricate a record from a partial
			// delta, the next refetch settles it.
			s.mx.Unlock()
			s.logger.Debug().Str("winnerID", ev.WinnerID).Msg("winner not known locally, skipped")
			return
		}
		s.mx.Unlock()

	case model.KindChat, model.KindQuestion, model.KindAnswer,
		model.KindGuess, model.KindGuessResult:
		s.mx.Lock()
		s.snap.Messages = append(s.snap.Messages, ev)
		s.mx.Unlock()

	default:
		s.logger.Debug().Str("type", ev.Type).Msg("delta kind not applicable, ignored")
		return
	}
	s.notify()
}

func (s *Store) addPlayerLocked(p model.Player) {
	if p.ID == "" {
		return
	}
	for i := range s.snap.Players {
		if s.snap.Players[i].ID == p.ID {
			s.snap.Players[i].Name = p.Name
			return
		}
	}
	s.snap.Players = append(s.snap.Players, p)
}

// removePlayerLocked drops the player and prunes their character
// assignment so it can never be attributed to someone else.
func (s *Store) removePlayerLocked(playerID string) {
	for i := range s.snap.Players {
		if s.snap.Players[i].ID == playerID {
			s.snap.Players = append(s.snap.Players[:i], s.snap.Players[i+1:]...)
			break
		}
	}
	delete(s.snap.Characters, playerID)
}

func (s *Store) markWinnerLocked(playerID string) bool {
	for i := range s.snap.Players {
		if s.snap.Players[i].ID == playerID {
			s.snap.Players[i].IsWinner = true
			return true
		}
	}
	return false
}

func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

func copySnapshot(snap model.RoomSnapshot) model.RoomSnapshot {
	out := snap
	out.Players = append([]model.Player(nil), snap.Players...)
	out.Messages = append([]model.Event(nil), snap.Messages...)
	out.Characters = make(map[string]string, len(snap.Characters))
	for id, char := range snap.Characters {
		out.Characters[id] = char
	}
	return out
}

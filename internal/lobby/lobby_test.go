package lobby

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/code-colosseum/colosseum/internal/game"
	"github.com/code-colosseum/colosseum/internal/pipe"
	"github.com/code-colosseum/colosseum/internal/play"
	"github.com/code-colosseum/colosseum/internal/proto"
)

type stubInstance struct{}

func (stubInstance) Start(ctx context.Context, players map[string]*pipe.Duplex, spectators *pipe.Duplex) {
	_, _ = spectators.Write([]byte("played"))
}

type stubBot struct{}

func (stubBot) Start(context.Context, *pipe.Duplex) {}

type stubBuilder struct{}

func (stubBuilder) Name() string                    { return "stub" }
func (stubBuilder) Description() string             { return "a stub game" }
func (stubBuilder) Args() map[string]proto.ArgSpec  { return nil }
func (stubBuilder) NewBot() game.Bot                { return stubBot{} }
func (stubBuilder) NewInstance(params *proto.GameParams, args map[string]string) (game.Instance, error) {
	if params.Players == nil {
		two := 2
		params.Players = &two
	}
	if params.Timeout == nil {
		timeout := 10.0
		params.Timeout = &timeout
	}
	return stubInstance{}, nil
}

type memArchive struct{ recs chan proto.MatchData }

func (a *memArchive) Store(rec proto.MatchData) error {
	a.recs <- rec
	return nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestLobby(t *testing.T, verificationPW string) (*Lobby, *memArchive) {
	t.Helper()
	registry := game.StartRegistry(quietLogger(), stubBuilder{})
	arch := &memArchive{recs: make(chan proto.MatchData, 16)}
	l := Start(quietLogger(), Config{
		Registry:       registry,
		Archive:        arch,
		VerificationPW: verificationPW,
	})
	return l, arch
}

func newGame(t *testing.T, l *Lobby, password *string) string {
	t.Helper()
	id, err := l.NewGame("test game", "stub", proto.GameParams{}, map[string]string{}, password, nil)
	require.NoError(t, err)
	return id
}

func TestNewGameValidation(t *testing.T) {
	l, _ := newTestLobby(t, "adminpw")
	badPW := "has space"
	wrongVerify := "nope"
	players := 101
	lowTimeout := 0.01
	highTimeout := 1e6

	cases := []struct {
		name    string
		req     func() (string, error)
		wantErr string
	}{
		{"long game name", func() (string, error) {
			return l.NewGame("this name is way way too long to pass", "stub", proto.GameParams{}, nil, nil, nil)
		}, "not a valid game name"},
		{"invalid password", func() (string, error) {
			return l.NewGame("ok", "stub", proto.GameParams{}, nil, &badPW, nil)
		}, "not a valid password"},
		{"wrong verification", func() (string, error) {
			return l.NewGame("ok", "stub", proto.GameParams{}, nil, nil, &wrongVerify)
		}, "wrong verification password"},
		{"unknown game", func() (string, error) {
			return l.NewGame("ok", "missing", proto.GameParams{}, nil, nil, nil)
		}, "not found"},
		{"all bots", func() (string, error) {
			return l.NewGame("ok", "stub", proto.GameParams{Bots: 2}, nil, nil, nil)
		}, "all server bots"},
		{"too many players", func() (string, error) {
			return l.NewGame("ok", "stub", proto.GameParams{Players: &players}, nil, nil, nil)
		}, "Too many players"},
		{"timeout too low", func() (string, error) {
			return l.NewGame("ok", "stub", proto.GameParams{Timeout: &lowTimeout}, nil, nil, nil)
		}, "out of allowed range"},
		{"timeout too high", func() (string, error) {
			return l.NewGame("ok", "stub", proto.GameParams{Timeout: &highTimeout}, nil, nil, nil)
		}, "out of allowed range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.req()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNewGameAppearsInList(t *testing.T) {
	l, _ := newTestLobby(t, "")
	id := newGame(t, l, nil)
	require.Len(t, id, 13)

	list := l.List()
	require.Len(t, list, 1)
	info := list[0]
	require.Equal(t, id, info.ID)
	require.Equal(t, "test game", info.Name)
	require.Equal(t, "stub", info.Game)
	require.Equal(t, 2, info.Players)
	require.False(t, info.Running)
	require.Empty(t, info.Connected)
	require.Zero(t, info.Spectators)
	require.False(t, info.Password)
	require.False(t, info.Verified)
	require.Greater(t, info.Time, time.Now().Unix())
}

func TestVerifiedCreation(t *testing.T) {
	l, _ := newTestLobby(t, "adminpw")
	verify := "adminpw"
	id, err := l.NewGame("vip", "stub", proto.GameParams{}, nil, nil, &verify)
	require.NoError(t, err)

	list := l.List()
	require.Len(t, list, 1)
	require.Equal(t, id, list[0].ID)
	require.True(t, list[0].Verified)
}

func TestVerificationDisabledWithoutPassword(t *testing.T) {
	l, _ := newTestLobby(t, "")
	// With no configured password there is nothing to match against;
	// in particular an empty verification string must not slip through.
	for _, verify := range []string{"", "guess"} {
		verify := verify
		_, err := l.NewGame("vip", "stub", proto.GameParams{}, nil, nil, &verify)
		require.ErrorContains(t, err, "wrong verification password", "verification %q", verify)
	}
	require.Empty(t, l.List())
}

func TestMatchIDsDoNotCollide(t *testing.T) {
	l, _ := newTestLobby(t, "")
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := newGame(t, l, nil)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestSubscribeSeedAndEvents(t *testing.T) {
	l, _ := newTestLobby(t, "")
	sub := l.Subscribe()
	require.Empty(t, sub.Seed)

	id := newGame(t, l, nil)
	select {
	case ev := <-sub.Events.C:
		created, isNew := ev.(EventNew)
		require.True(t, isNew)
		require.Equal(t, id, created.Info.ID)
	case <-time.After(time.Second):
		t.Fatal("no lobby event after creation")
	}

	seeded := l.Subscribe()
	require.Len(t, seeded.Seed, 1)
	require.Equal(t, id, seeded.Seed[0].ID)
}

func drainUntilStarted(t *testing.T, slot *play.PlayerChan) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-slot.Events():
			if _, started := ev.(play.EventStarted); started {
				return
			}
		case <-deadline:
			t.Fatal("match never started")
		}
	}
}

func TestJoinFillStartDelete(t *testing.T) {
	l, arch := newTestLobby(t, "")
	sub := l.Subscribe()
	id := newGame(t, l, nil)

	alice := play.NewPlayerChan()
	info, err := l.Join(id, "alice", nil, alice)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, info.Connected)
	require.False(t, info.Running)

	bob := play.NewPlayerChan()
	info, err = l.Join(id, "bob", nil, bob)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, info.Connected)

	drainUntilStarted(t, alice)
	drainUntilStarted(t, bob)

	// The instance finishes on its own; the coordinator deletes the
	// match and the lobby announces it.
	deadline := time.After(2 * time.Second)
	for {
		var deleted EventDelete
		var isDelete bool
		select {
		case ev := <-sub.Events.C:
			deleted, isDelete = ev.(EventDelete)
		case <-deadline:
			t.Fatal("match was never deleted")
		}
		if isDelete {
			require.Equal(t, id, deleted.ID)
			break
		}
	}
	require.Empty(t, l.List())

	select {
	case rec := <-arch.recs:
		require.Equal(t, id, rec.ID)
		require.Equal(t, []string{"alice", "bob"}, rec.Players)
		require.Equal(t, []byte("played"), rec.History)
	case <-time.After(2 * time.Second):
		t.Fatal("match was never archived")
	}
}

func TestStartCountsBots(t *testing.T) {
	l, _ := newTestLobby(t, "")
	id, err := l.NewGame("vs bot", "stub", proto.GameParams{Bots: 1}, nil, nil, nil)
	require.NoError(t, err)

	alice := play.NewPlayerChan()
	_, err = l.Join(id, "alice", nil, alice)
	require.NoError(t, err)
	drainUntilStarted(t, alice)
}

func TestJoinGates(t *testing.T) {
	pw := "s3cret"
	l, _ := newTestLobby(t, "")
	id := newGame(t, l, &pw)

	_, err := l.Join(id, "bad$name", nil, play.NewPlayerChan())
	require.ErrorContains(t, err, "not a valid username")

	_, err = l.Join("definitelybogus", "alice", nil, play.NewPlayerChan())
	require.ErrorContains(t, err, "invalid id")

	_, err = l.Join(EncodeID(0xabad1dea), "alice", &pw, play.NewPlayerChan())
	require.ErrorContains(t, err, "does not exist")

	_, err = l.Join(id, "alice", nil, play.NewPlayerChan())
	require.ErrorContains(t, err, "Wrong password")
	wrong := "wrong"
	_, err = l.Join(id, "alice", &wrong, play.NewPlayerChan())
	require.ErrorContains(t, err, "Wrong password")

	_, err = l.Join(id, "alice", &pw, play.NewPlayerChan())
	require.NoError(t, err)

	_, err = l.Join(id, "alice", &pw, play.NewPlayerChan())
	require.ErrorContains(t, err, "already taken")
}

func TestLeave(t *testing.T) {
	l, _ := newTestLobby(t, "")
	sub := l.Subscribe()
	id := newGame(t, l, nil)

	slot := play.NewPlayerChan()
	_, err := l.Join(id, "alice", nil, slot)
	require.NoError(t, err)
	require.NoError(t, l.Leave(id, "alice"))

	require.ErrorContains(t, l.Leave(id, "alice"), "is not in this game")
	require.ErrorContains(t, l.Leave(EncodeID(12345), "alice"), "does not exist")

	// The broadcast reflects the departure.
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub.Events.C:
			if up, isUpdate := ev.(EventUpdate); isUpdate && len(up.Info.Connected) == 0 {
				return
			}
		case <-deadline:
			t.Fatal("no update after leave")
		}
	}
}

func TestSpectateWaitingMatch(t *testing.T) {
	l, _ := newTestLobby(t, "")
	id := newGame(t, l, nil)

	spec, err := l.Spectate(id)
	require.NoError(t, err)
	require.False(t, spec.Running)
	require.Nil(t, spec.History)
	require.Equal(t, id, spec.Info.ID)

	// Spectator count is visible on the next snapshot.
	require.Equal(t, 1, l.List()[0].Spectators)

	_, err = l.Join(id, "alice", nil, play.NewPlayerChan())
	require.NoError(t, err)
	_, err = l.Join(id, "bob", nil, play.NewPlayerChan())
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, open := <-spec.Events.C:
			require.True(t, open, "spectator stream closed before start: %v", spec.Events.Err())
			if _, started := ev.(play.EventStarted); started {
				return
			}
		case <-deadline:
			t.Fatal("waiting spectator never saw the start")
		}
	}
}

func waitExpired(t *testing.T, events <-chan play.MatchEvent) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, open := <-events:
			require.True(t, open, "stream closed before expiration")
			if _, expired := ev.(play.EventExpired); expired {
				return
			}
		case <-deadline:
			t.Fatal("no expiration event")
		}
	}
}

func TestWaitingMatchExpires(t *testing.T) {
	registry := game.StartRegistry(quietLogger(), stubBuilder{})
	l := Start(quietLogger(), Config{
		Registry: registry,
		Archive:  &memArchive{recs: make(chan proto.MatchData, 1)},
		Lifetime: 150 * time.Millisecond,
	})
	sub := l.Subscribe()
	id := newGame(t, l, nil)

	// The join re-arms the deadline, leaving a stale entry behind for
	// the reaper to skip.
	slot := play.NewPlayerChan()
	_, err := l.Join(id, "alice", nil, slot)
	require.NoError(t, err)
	spec, err := l.Spectate(id)
	require.NoError(t, err)

	waitExpired(t, slot.Events())
	waitExpired(t, spec.Events.C)

	deadline := time.After(3 * time.Second)
	for {
		var deleted EventDelete
		var isDelete bool
		select {
		case ev := <-sub.Events.C:
			deleted, isDelete = ev.(EventDelete)
		case <-deadline:
			t.Fatal("reaped match was never announced as deleted")
		}
		if isDelete {
			require.Equal(t, id, deleted.ID)
			break
		}
	}
	require.Empty(t, l.List())
}

// botlessBuilder refuses to produce bots; matches that depend on them
// can never start.
type botlessBuilder struct{ stubBuilder }

func (botlessBuilder) NewBot() game.Bot { panic("no bots available") }

func TestBotFailureAbortsMatch(t *testing.T) {
	registry := game.StartRegistry(quietLogger(), botlessBuilder{})
	l := Start(quietLogger(), Config{
		Registry: registry,
		Archive:  &memArchive{recs: make(chan proto.MatchData, 1)},
	})
	sub := l.Subscribe()
	id, err := l.NewGame("doomed", "stub", proto.GameParams{Bots: 1}, nil, nil, nil)
	require.NoError(t, err)

	slot := play.NewPlayerChan()
	_, err = l.Join(id, "alice", nil, slot)
	require.NoError(t, err)

	// The last slot filled but the bots cannot be built; the joined
	// player is released instead of stranded.
	waitExpired(t, slot.Events())

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub.Events.C:
			if deleted, isDelete := ev.(EventDelete); isDelete {
				require.Equal(t, id, deleted.ID)
				require.Empty(t, l.List())
				return
			}
		case <-deadline:
			t.Fatal("aborted match was never announced as deleted")
		}
	}
}

func TestSpectateUnknownMatch(t *testing.T) {
	l, _ := newTestLobby(t, "")
	_, err := l.Spectate(EncodeID(777))
	require.ErrorContains(t, err, "does not exist")
	_, err = l.Spectate("???")
	require.ErrorContains(t, err, "invalid id")
}

package lobby

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/code-colosseum/colosseum/internal/broadcast"
	"github.com/code-colosseum/colosseum/internal/game"
	"github.com/code-colosseum/colosseum/internal/play"
	"github.com/code-colosseum/colosseum/internal/proto"
)

// match is the lobby-side record of one game instance. The instance
// itself is held only until start, when ownership moves to the play
// coordinator.
type match struct {
	info       proto.MatchInfo
	numID      uint64
	instance   game.Instance
	password   *string
	expiration time.Time
	players    map[string]*play.PlayerChan
	spectators *broadcast.Sender[play.MatchEvent]
	// playCmds is nil until the match starts; the lobby closes it when
	// the match is deleted.
	playCmds chan<- play.Command
}

// update pushes the current descriptor to every player slot and
// spectator. A slot that cannot take the event is treated as departed,
// which changes the descriptor again, so the fan-out repeats until no
// slot drops out.
func (m *match) update() {
	for changed := true; changed; {
		changed = false
		m.info.Spectators = m.spectators.ReceiverCount()
		m.info.Connected = connectedNames(m.players)
		var gone []string
		for name, slot := range m.players {
			if !slot.Send(play.EventUpdate{Info: m.info}) {
				gone = append(gone, name)
			}
		}
		m.spectators.Send(play.EventUpdate{Info: m.info})
		if len(gone) > 0 {
			changed = true
			for _, name := range gone {
				delete(m.players, name)
			}
		}
	}
}

// expired notifies everyone attached to a reaped waiting match.
func (m *match) expired(log *logrus.Logger) {
	for name, slot := range m.players {
		if !slot.Send(play.EventExpired{}) {
			log.Warnf("Cannot send expiration notification to %q", name)
		}
	}
	m.spectators.Send(play.EventExpired{})
}

func connectedNames(players map[string]*play.PlayerChan) []string {
	names := make([]string, 0, len(players))
	for name := range players {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package play runs one coordinator per started match. The coordinator
// owns the game instance, the per-player byte pipes, the accumulating
// spectator history, and the spectator fan-out; nothing else touches
// them.
package play

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/code-colosseum/colosseum/internal/broadcast"
	"github.com/code-colosseum/colosseum/internal/game"
	"github.com/code-colosseum/colosseum/internal/pipe"
	"github.com/code-colosseum/colosseum/internal/proto"
	"github.com/code-colosseum/colosseum/internal/tuning"
)

// MatchEvent is delivered to player slots and spectator subscriptions.
type MatchEvent interface{ matchEvent() }

// EventUpdate carries a refreshed match descriptor.
type EventUpdate struct{ Info proto.MatchInfo }

// EventStarted signals the transition to Running. The Pipe is set only
// on the copy delivered to a player slot; spectator broadcasts carry
// nil.
type EventStarted struct{ Pipe *pipe.Duplex }

// EventSpectatorData carries one chunk of the spectator stream.
type EventSpectatorData struct{ Data []byte }

// EventExpired signals that the waiting match was reaped.
type EventExpired struct{}

// EventEnded signals that the game instance returned.
type EventEnded struct{}

func (EventUpdate) matchEvent()        {}
func (EventStarted) matchEvent()       {}
func (EventSpectatorData) matchEvent() {}
func (EventExpired) matchEvent()       {}
func (EventEnded) matchEvent()         {}

// PlayerChan is the bounded event queue of one player slot. The session
// consumes Events; the lobby and coordinator push through Send, which
// reports delivery failure once the session is gone (or hopelessly
// behind) so the slot can be treated as departed.
type PlayerChan struct {
	ch   chan MatchEvent
	done chan struct{}
}

// NewPlayerChan creates a player slot queue.
func NewPlayerChan() *PlayerChan {
	return &PlayerChan{
		ch:   make(chan MatchEvent, tuning.QueueBuffer),
		done: make(chan struct{}),
	}
}

// Events is the session-side receive channel.
func (p *PlayerChan) Events() <-chan MatchEvent { return p.ch }

// Send delivers ev unless the session closed the slot or its buffer is
// full. Returns false on failure.
func (p *PlayerChan) Send(ev MatchEvent) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.ch <- ev:
		return true
	case <-p.done:
		return false
	default:
		return false
	}
}

// Close is called by the session when it stops consuming.
func (p *PlayerChan) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// Subscription is the atomic reply to a spectate request against a
// running match: the receiver and the history snapshot are assembled in
// the same coordinator step, so no spectator bytes can fall in between.
type Subscription struct {
	Events  *broadcast.Receiver[MatchEvent]
	History []byte
}

// Command is the coordinator's request type; Subscribe is the only
// operation.
type Command struct {
	Reply chan Subscription
}

// Subscribe asks a running coordinator for a spectator subscription.
func Subscribe(cmds chan<- Command) Subscription {
	reply := make(chan Subscription, 1)
	cmds <- Command{Reply: reply}
	return <-reply
}

// Archiver stores a completed match record.
type Archiver interface {
	Store(rec proto.MatchData) error
}

// Config carries everything the coordinator needs from the lobby.
type Config struct {
	ID       string
	Game     string
	Args     map[string]string
	Instance game.Instance
	Bots     []game.Bot
	Players  map[string]*PlayerChan
	// Spectators is the match-level broadcast created at match
	// creation; waiting-state subscribers are already attached.
	Spectators *broadcast.Sender[MatchEvent]
	// OnDone tells the lobby to delete the match.
	OnDone func(id string)
	Archive Archiver
}

// Start spawns the coordinator and returns its command channel. The
// channel is closed by the lobby when the match is deleted.
func Start(log *logrus.Logger, cfg Config) chan<- Command {
	cmds := make(chan Command, tuning.QueueBuffer)
	go run(log.WithFields(logrus.Fields{"match": cfg.ID, "game": cfg.Game}), cfg, cmds)
	return cmds
}

func run(log *logrus.Entry, cfg Config, cmds chan Command) {
	log.Info("Game started")

	streams := make(map[string]*pipe.Duplex, len(cfg.Players)+len(cfg.Bots))
	playerNames := make([]string, 0, len(cfg.Players))
	for name, pc := range cfg.Players {
		playerNames = append(playerNames, name)
		ph, gh := pipe.New(tuning.PipeBuffer)
		streams[name] = gh
		if !pc.Send(EventStarted{Pipe: ph}) {
			log.Warnf("Player %q left before start", name)
		}
	}

	sort.Strings(playerNames)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var botGroup errgroup.Group
	botPipes := make([]*pipe.Duplex, 0, len(cfg.Bots))
	for i, bot := range cfg.Bots {
		bh, gh := pipe.New(tuning.PipeBuffer)
		streams[fmt.Sprintf("ServerBot$%d", i)] = gh
		botPipes = append(botPipes, bh)
		bot := bot
		botGroup.Go(func() error {
			bot.Start(ctx, bh)
			return nil
		})
	}

	// Waiting-state spectators learn about the start through the
	// match-level broadcast.
	cfg.Spectators.Send(EventStarted{})

	specOut, specIn := pipe.New(tuning.PipeBuffer)
	gameDone := make(chan struct{})
	go func() {
		defer close(gameDone)
		defer specIn.Close()
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorf("Game exited with a panic: %v", rec)
			}
		}()
		cfg.Instance.Start(ctx, streams, specIn)
	}()

	// Pipe reads are not selectable; a feeder goroutine turns the
	// spectator pipe into chunks. History bookkeeping and subscription
	// replies stay in this goroutine so snapshots are atomic.
	chunks := make(chan []byte)
	go func() {
		defer close(chunks)
		buf := make([]byte, tuning.PipeBuffer)
		for {
			n, err := specOut.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				chunks <- chunk
			}
			if err != nil {
				return
			}
		}
	}()

	var history []byte
	running := true
	for running {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			history = append(history, chunk...)
			cfg.Spectators.Send(EventSpectatorData{Data: chunk})
		case cmd, ok := <-cmds:
			if !ok {
				cmds = nil
				continue
			}
			cmd.Reply <- Subscription{
				Events:  cfg.Spectators.Subscribe(),
				History: snapshot(history),
			}
		case <-gameDone:
			running = false
		}
	}

	// Drain whatever the game wrote on its way out.
	if chunks != nil {
		for chunk := range chunks {
			history = append(history, chunk...)
			cfg.Spectators.Send(EventSpectatorData{Data: chunk})
		}
	}
	time.Sleep(tuning.EndGracePeriod)
	cfg.Spectators.Send(EventEnded{})
	for name, pc := range cfg.Players {
		if !pc.Send(EventEnded{}) {
			log.Warnf("Player %q did not receive the end of the game", name)
		}
	}

	cancel()
	for _, bp := range botPipes {
		bp.Close()
	}
	botsDone := make(chan struct{})
	go func() {
		_ = botGroup.Wait()
		close(botsDone)
	}()
	select {
	case <-botsDone:
	case <-time.After(time.Second):
		log.Warn("Bot tasks did not exit gracefully")
	}

	cfg.OnDone(cfg.ID)
	log.Info("Game ended")

	record := proto.MatchData{
		ID:      cfg.ID,
		Game:    cfg.Game,
		Args:    cfg.Args,
		Players: playerNames,
		Bots:    len(cfg.Bots),
		History: history,
	}
	if err := cfg.Archive.Store(record); err != nil {
		log.Errorf("Cannot save match history: %v", err)
	}

	// Late subscribers (between game end and match deletion) get the
	// full history and an already-closed receiver.
	cfg.Spectators.Close()
	if cmds == nil {
		return
	}
	for cmd := range cmds {
		cmd.Reply <- Subscription{
			Events:  cfg.Spectators.Subscribe(),
			History: snapshot(history),
		}
	}
}

func snapshot(history []byte) []byte {
	out := make([]byte, len(history))
	copy(out, history)
	return out
}

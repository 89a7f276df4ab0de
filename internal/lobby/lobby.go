// Package lobby implements the match directory actor: creation, join
// and leave of waiting matches, spectator attachment, the inactivity
// reaper, and the lobby event broadcast.
package lobby

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/code-colosseum/colosseum/internal/broadcast"
	"github.com/code-colosseum/colosseum/internal/game"
	"github.com/code-colosseum/colosseum/internal/play"
	"github.com/code-colosseum/colosseum/internal/proto"
	"github.com/code-colosseum/colosseum/internal/tuning"
)

// Event is a lobby directory change, fanned out to subscribers.
type Event interface{ lobbyEvent() }

// EventNew announces a freshly created match.
type EventNew struct{ Info proto.MatchInfo }

// EventUpdate announces a changed match descriptor.
type EventUpdate struct{ Info proto.MatchInfo }

// EventDelete announces a removed match.
type EventDelete struct{ ID string }

func (EventNew) lobbyEvent()    {}
func (EventUpdate) lobbyEvent() {}
func (EventDelete) lobbyEvent() {}

// Subscription pairs a lobby event receiver with the directory snapshot
// taken in the same lobby step, so no event can fall between the two.
type Subscription struct {
	Events *broadcast.Receiver[Event]
	Seed   []proto.MatchInfo
}

// Spectate is the reply to a spectate request. History is non-nil only
// for a running match; for a waiting match the receiver is attached to
// the match-level broadcast and sees the start when it happens.
type Spectate struct {
	Events  *broadcast.Receiver[play.MatchEvent]
	Info    proto.MatchInfo
	History []byte
	Running bool
}

// Config carries the lobby's collaborators.
type Config struct {
	Registry *game.Registry
	Archive  play.Archiver
	// VerificationPW is compared verbatim against the optional
	// verification field of match creation requests. Empty means
	// verification is disabled and every attempt is rejected.
	VerificationPW string
	// Lifetime bounds how long a waiting match survives without join
	// or leave activity. Zero means tuning.InstanceLifetime.
	Lifetime time.Duration
}

// Lobby is the handle to the match directory actor.
type Lobby struct {
	cmds chan lobbyCmd
	log  *logrus.Logger
}

type lobbyCmd interface{ kind() string }

type getListCmd struct {
	reply chan []proto.MatchInfo
}

type subscribeCmd struct {
	reply chan Subscription
}

type newGameCmd struct {
	name         string
	game         string
	params       proto.GameParams
	args         map[string]string
	password     *string
	verification *string
	reply        chan newGameResult
}

type newGameResult struct {
	id  string
	err error
}

type joinCmd struct {
	id       string
	name     string
	password *string
	slot     *play.PlayerChan
	reply    chan joinResult
}

type joinResult struct {
	info proto.MatchInfo
	err  error
}

type leaveCmd struct {
	id    string
	name  string
	reply chan error
}

type spectateCmd struct {
	id    string
	reply chan spectateResult
}

type spectateResult struct {
	spec Spectate
	err  error
}

type refreshCmd struct{ id string }

type deleteCmd struct{ id string }

func (getListCmd) kind() string   { return "getList" }
func (subscribeCmd) kind() string { return "subscribe" }
func (newGameCmd) kind() string   { return "newGame" }
func (joinCmd) kind() string      { return "join" }
func (leaveCmd) kind() string     { return "leave" }
func (spectateCmd) kind() string  { return "spectate" }
func (refreshCmd) kind() string   { return "refresh" }
func (deleteCmd) kind() string    { return "delete" }

// Start launches the lobby actor.
func Start(log *logrus.Logger, cfg Config) *Lobby {
	if cfg.Lifetime == 0 {
		cfg.Lifetime = tuning.InstanceLifetime
	}
	l := &Lobby{
		cmds: make(chan lobbyCmd, tuning.QueueBuffer),
		log:  log,
	}
	s := &lobbyState{
		log:     log,
		cfg:     cfg,
		self:    l,
		matches: make(map[uint64]*match),
		events:  broadcast.New[Event](tuning.BroadcastBuffer),
	}
	go s.run(l.cmds)
	return l
}

type reapEntry struct {
	at time.Time
	id uint64
}

type lobbyState struct {
	log     *logrus.Logger
	cfg     Config
	self    *Lobby
	matches map[uint64]*match
	events  *broadcast.Sender[Event]
	// reaper holds one entry per deadline ever armed, ordered by time;
	// stale entries are skipped when they fire.
	reaper []reapEntry
}

func (s *lobbyState) run(cmds chan lobbyCmd) {
	for {
		var timer *time.Timer
		var timerC <-chan time.Time
		if len(s.reaper) > 0 {
			timer = time.NewTimer(time.Until(s.reaper[0].at))
			timerC = timer.C
		}
		var cmd lobbyCmd
		ok, idle := true, false
		select {
		case cmd, ok = <-cmds:
		case <-timerC:
			idle = true
		}
		if timer != nil {
			timer.Stop()
		}
		s.reap()
		if idle {
			continue
		}
		if !ok {
			return
		}
		switch c := cmd.(type) {
		case getListCmd:
			c.reply <- s.list()
		case subscribeCmd:
			c.reply <- Subscription{Events: s.events.Subscribe(), Seed: s.list()}
		case newGameCmd:
			s.newGame(c)
		case joinCmd:
			s.join(c)
		case leaveCmd:
			s.leave(c)
		case spectateCmd:
			s.spectate(c)
		case refreshCmd:
			s.refresh(c)
		case deleteCmd:
			s.delete(c)
		}
	}
}

func (s *lobbyState) reap() {
	now := time.Now()
	for len(s.reaper) > 0 {
		entry := s.reaper[0]
		if now.Before(entry.at) {
			break
		}
		if m, live := s.matches[entry.id]; live && !m.info.Running && !now.Before(m.expiration) {
			s.log.Infof("Reaping match for inactivity: %s", m.info.ID)
			delete(s.matches, entry.id)
			m.expired(s.log)
			s.emit(EventDelete{ID: m.info.ID})
		}
		s.reaper = s.reaper[1:]
	}
}

func (s *lobbyState) list() []proto.MatchInfo {
	out := make([]proto.MatchInfo, 0, len(s.matches))
	for _, m := range s.matches {
		out = append(out, m.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *lobbyState) emit(ev Event) {
	n := s.events.Send(ev)
	s.log.Debugf("Sent lobby event to %d listeners", n)
}

func (s *lobbyState) newGame(c newGameCmd) {
	if len(s.matches) >= tuning.MaxGameInstances {
		c.reply <- newGameResult{err: errors.New("Server is at maximum capacity")}
		return
	}
	if !tuning.GameNameRegex.MatchString(c.name) {
		c.reply <- newGameResult{err: fmt.Errorf("%q is not a valid game name", c.name)}
		return
	}
	if c.password != nil && !tuning.PasswordRegex.MatchString(*c.password) {
		c.reply <- newGameResult{err: fmt.Errorf("%q is not a valid password", *c.password)}
		return
	}
	verified := false
	if c.verification != nil {
		// With no verification password configured there is nothing to
		// verify against; every attempt is rejected.
		if s.cfg.VerificationPW == "" || *c.verification != s.cfg.VerificationPW {
			c.reply <- newGameResult{err: fmt.Errorf("%q is the wrong verification password", *c.verification)}
			return
		}
		verified = true
	}
	instance, params, err := s.cfg.Registry.NewGame(c.game, c.params, c.args)
	if err != nil {
		c.reply <- newGameResult{err: err}
		return
	}
	if params.Players == nil || params.Timeout == nil {
		s.log.Errorf("Game %q gave empty parameters", c.game)
		c.reply <- newGameResult{err: errors.New("Internal server error")}
		return
	}
	players, timeout := *params.Players, *params.Timeout
	if params.Bots >= players {
		c.reply <- newGameResult{err: errors.New("Cannot have all server bots")}
		return
	}
	if players > tuning.MaxPlayers {
		c.reply <- newGameResult{err: fmt.Errorf("Too many players: %d > %d", players, tuning.MaxPlayers)}
		return
	}
	if !(tuning.MinTimeout <= timeout && timeout <= tuning.MaxTimeout) {
		c.reply <- newGameResult{err: fmt.Errorf(
			"Timeout %v out of allowed range [%v; %v]", timeout, tuning.MinTimeout, tuning.MaxTimeout)}
		return
	}
	id, err := s.genID()
	if err != nil {
		s.log.Errorf("Cannot generate a match id: %v", err)
		c.reply <- newGameResult{err: errors.New("Internal server error")}
		return
	}
	expiry := time.Now().Add(s.cfg.Lifetime)
	info := proto.MatchInfo{
		ID:        EncodeID(id),
		Name:      c.name,
		Game:      c.game,
		Players:   players,
		Bots:      params.Bots,
		Timeout:   timeout,
		Args:      c.args,
		Running:   false,
		Time:      expiry.Unix(),
		Connected: []string{},
		Password:  c.password != nil,
		Verified:  verified,
	}
	s.reaperInsert(expiry, id)
	s.matches[id] = &match{
		info:       info,
		numID:      id,
		instance:   instance,
		password:   c.password,
		expiration: expiry,
		players:    make(map[string]*play.PlayerChan),
		spectators: broadcast.New[play.MatchEvent](tuning.BroadcastBuffer),
	}
	s.log.Infof("Game of %q created: %s", info.Game, info.ID)
	s.emit(EventNew{Info: info})
	c.reply <- newGameResult{id: info.ID}
}

func (s *lobbyState) join(c joinCmd) {
	id, err := DecodeID(c.id)
	if err != nil {
		s.log.Warnf("%v", err)
		c.reply <- joinResult{err: err}
		return
	}
	if !tuning.UsernameRegex.MatchString(c.name) {
		c.reply <- joinResult{err: fmt.Errorf("%q is not a valid username", c.name)}
		return
	}
	m, live := s.matches[id]
	switch {
	case !live:
		c.reply <- joinResult{err: fmt.Errorf("Game %q does not exist", c.id)}
		return
	case m.info.Running:
		c.reply <- joinResult{err: fmt.Errorf("Game %q is already running", c.id)}
		return
	default:
		if _, taken := m.players[c.name]; taken {
			c.reply <- joinResult{err: fmt.Errorf("Username %q already taken", c.name)}
			return
		}
		if !passwordMatch(m.password, c.password) {
			c.reply <- joinResult{err: errors.New("Wrong password")}
			return
		}
	}
	m.players[c.name] = c.slot
	s.touch(m)
	m.update()
	s.emit(EventUpdate{Info: m.info})
	c.reply <- joinResult{info: m.info}
	if len(m.players)+m.info.Bots == m.info.Players {
		s.startMatch(m)
	}
}

// startMatch hands the instance over to a play coordinator once the
// last human slot fills.
func (s *lobbyState) startMatch(m *match) {
	bots, err := s.cfg.Registry.GenBots(m.info.Game, m.info.Bots)
	if err != nil {
		// The match can never start without its bots; tear it down
		// rather than strand the joined players until the reaper.
		s.log.Errorf("Cannot create bots for %q: %v", m.info.Game, err)
		delete(s.matches, m.numID)
		s.reaperRemove(m.expiration, m.numID)
		m.expired(s.log)
		s.emit(EventDelete{ID: m.info.ID})
		return
	}
	instance := m.instance
	if instance == nil {
		s.log.Error("Match instance missing at start")
		return
	}
	m.instance = nil
	m.info.Running = true
	m.info.Time = time.Now().Unix()
	players := make(map[string]*play.PlayerChan, len(m.players))
	for name, slot := range m.players {
		players[name] = slot
	}
	m.playCmds = play.Start(s.log, play.Config{
		ID:         m.info.ID,
		Game:       m.info.Game,
		Args:       m.info.Args,
		Instance:   instance,
		Bots:       bots,
		Players:    players,
		Spectators: m.spectators,
		OnDone:     s.self.Delete,
		Archive:    s.cfg.Archive,
	})
	m.update()
	s.emit(EventUpdate{Info: m.info})
}

func (s *lobbyState) leave(c leaveCmd) {
	id, err := DecodeID(c.id)
	if err != nil {
		s.log.Warnf("%v", err)
		c.reply <- err
		return
	}
	m, live := s.matches[id]
	switch {
	case !live:
		c.reply <- fmt.Errorf("Game %q does not exist", c.id)
		return
	default:
		if _, in := m.players[c.name]; !in {
			c.reply <- fmt.Errorf("%q is not in this game", c.name)
			return
		}
		if m.info.Running {
			c.reply <- fmt.Errorf("Game %q is already running", c.id)
			return
		}
	}
	c.reply <- nil
	delete(m.players, c.name)
	s.touch(m)
	m.update()
	s.emit(EventUpdate{Info: m.info})
}

func (s *lobbyState) spectate(c spectateCmd) {
	id, err := DecodeID(c.id)
	if err != nil {
		s.log.Warnf("%v", err)
		c.reply <- spectateResult{err: err}
		return
	}
	m, live := s.matches[id]
	if !live {
		c.reply <- spectateResult{err: fmt.Errorf("Game %q does not exist", c.id)}
		return
	}
	if m.info.Running {
		sub := play.Subscribe(m.playCmds)
		c.reply <- spectateResult{spec: Spectate{
			Events:  sub.Events,
			Info:    m.info,
			History: sub.History,
			Running: true,
		}}
	} else {
		c.reply <- spectateResult{spec: Spectate{
			Events: m.spectators.Subscribe(),
			Info:   m.info,
		}}
	}
	m.update()
	s.emit(EventUpdate{Info: m.info})
}

func (s *lobbyState) refresh(c refreshCmd) {
	id, err := DecodeID(c.id)
	if err != nil {
		s.log.Warnf("%v", err)
		return
	}
	m, live := s.matches[id]
	if !live {
		s.log.Errorf("Trying to refresh non-existent game %q", c.id)
		return
	}
	m.update()
	s.emit(EventUpdate{Info: m.info})
}

func (s *lobbyState) delete(c deleteCmd) {
	id, err := DecodeID(c.id)
	if err != nil {
		s.log.Warnf("%v", err)
		return
	}
	m, live := s.matches[id]
	if !live {
		s.log.Errorf("Trying to delete non-existent game %q", c.id)
		return
	}
	delete(s.matches, id)
	if m.playCmds != nil {
		close(m.playCmds)
	}
	s.emit(EventDelete{ID: c.id})
}

// touch extends the inactivity deadline after join and leave activity.
func (s *lobbyState) touch(m *match) {
	s.reaperRemove(m.expiration, m.numID)
	m.expiration = time.Now().Add(s.cfg.Lifetime)
	m.info.Time = m.expiration.Unix()
	s.reaperInsert(m.expiration, m.numID)
}

func (s *lobbyState) reaperInsert(at time.Time, id uint64) {
	i := sort.Search(len(s.reaper), func(i int) bool { return s.reaper[i].at.After(at) })
	s.reaper = append(s.reaper, reapEntry{})
	copy(s.reaper[i+1:], s.reaper[i:])
	s.reaper[i] = reapEntry{at: at, id: id}
}

func (s *lobbyState) reaperRemove(at time.Time, id uint64) {
	for i, entry := range s.reaper {
		if entry.id == id && entry.at.Equal(at) {
			s.reaper = append(s.reaper[:i], s.reaper[i+1:]...)
			return
		}
	}
}

// genID draws random ids until one is free. Collisions are essentially
// impossible at the instance cap, but the loop keeps the invariant
// explicit. A failing entropy source fails the creation rather than
// produce an id from stale bytes.
func (s *lobbyState) genID() (uint64, error) {
	for attempt := 0; attempt < 8; attempt++ {
		var raw [8]byte
		if _, err := rand.Read(raw[:]); err != nil {
			s.log.Errorf("Cannot read random bytes: %v", err)
			continue
		}
		id := binary.LittleEndian.Uint64(raw[:])
		if _, taken := s.matches[id]; !taken {
			return id, nil
		}
	}
	return 0, errors.New("no usable match id")
}

func passwordMatch(want, got *string) bool {
	if want == nil || got == nil {
		return want == nil && got == nil
	}
	return *want == *got
}

// List returns a snapshot of the match directory.
func (l *Lobby) List() []proto.MatchInfo {
	reply := make(chan []proto.MatchInfo, 1)
	l.cmds <- getListCmd{reply: reply}
	return <-reply
}

// Subscribe attaches a lobby event receiver and returns it with the
// matching directory snapshot.
func (l *Lobby) Subscribe() Subscription {
	reply := make(chan Subscription, 1)
	l.cmds <- subscribeCmd{reply: reply}
	return <-reply
}

// NewGame validates and creates a waiting match, returning its id.
func (l *Lobby) NewGame(name, gameName string, params proto.GameParams, args map[string]string, password, verification *string) (string, error) {
	reply := make(chan newGameResult, 1)
	l.cmds <- newGameCmd{
		name:         name,
		game:         gameName,
		params:       params,
		args:         args,
		password:     password,
		verification: verification,
		reply:        reply,
	}
	res := <-reply
	return res.id, res.err
}

// Join claims a player slot in a waiting match. The returned descriptor
// already lists the new player. When the last slot fills, the match
// starts before Join returns.
func (l *Lobby) Join(id, name string, password *string, slot *play.PlayerChan) (proto.MatchInfo, error) {
	reply := make(chan joinResult, 1)
	l.cmds <- joinCmd{id: id, name: name, password: password, slot: slot, reply: reply}
	res := <-reply
	return res.info, res.err
}

// Leave releases a player slot in a waiting match.
func (l *Lobby) Leave(id, name string) error {
	reply := make(chan error, 1)
	l.cmds <- leaveCmd{id: id, name: name, reply: reply}
	return <-reply
}

// Spectate attaches a spectator to a waiting or running match.
func (l *Lobby) Spectate(id string) (Spectate, error) {
	reply := make(chan spectateResult, 1)
	l.cmds <- spectateCmd{id: id, reply: reply}
	res := <-reply
	return res.spec, res.err
}

// Refresh re-broadcasts a match descriptor after a session drops a
// player slot without a graceful leave.
func (l *Lobby) Refresh(id string) {
	l.cmds <- refreshCmd{id: id}
}

// Delete removes a match; play coordinators call this when their game
// ends.
func (l *Lobby) Delete(id string) {
	l.cmds <- deleteCmd{id: id}
}

// Close shuts the lobby down. Callers must ensure no coordinator is
// still running.
func (l *Lobby) Close() { close(l.cmds) }

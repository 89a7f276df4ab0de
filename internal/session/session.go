// Package session drives one WebSocket client through the protocol
// state machine: handshake, main request dispatch, and the
// lobby-subscribed, joined, play and spectate sub-loops.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/code-colosseum/colosseum/internal/archive"
	"github.com/code-colosseum/colosseum/internal/broadcast"
	"github.com/code-colosseum/colosseum/internal/game"
	"github.com/code-colosseum/colosseum/internal/lobby"
	"github.com/code-colosseum/colosseum/internal/pipe"
	"github.com/code-colosseum/colosseum/internal/play"
	"github.com/code-colosseum/colosseum/internal/proto"
	"github.com/code-colosseum/colosseum/internal/tuning"
)

// Services are the process-wide actors every session talks to.
type Services struct {
	Registry *game.Registry
	Lobby    *lobby.Lobby
	Archive  *archive.Archive
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// Session is one connected client.
type Session struct {
	log    *logrus.Entry
	conn   *websocket.Conn
	srv    Services
	ctx    context.Context
	cancel context.CancelFunc
	frames chan frame
}

// keepaliveInterval is how often the session pings its peer.
var keepaliveInterval = tuning.PingTimeout

// Run drives the connection until it closes. It blocks for the whole
// session lifetime.
func Run(log *logrus.Logger, conn *websocket.Conn, addr string, srv Services) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		log: log.WithFields(logrus.Fields{
			"session": uuid.NewString(),
			"remote":  addr,
		}),
		conn:   conn,
		srv:    srv,
		ctx:    ctx,
		cancel: cancel,
		frames: make(chan frame),
	}
	defer cancel()
	s.log.Info("Client connected")
	go s.readPump()
	go s.keepalive()
	if s.handshake() {
		s.main()
	}
	s.stop()
}

// readPump is the only reader of the connection; it blocks on the
// session context so reads survive arbitrary idle periods. The
// keepalive goroutine answers for dead peers.
func (s *Session) readPump() {
	defer close(s.frames)
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Debugf("Connection read ended: %v", err)
			}
			return
		}
		select {
		case s.frames <- frame{typ: typ, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// keepalive pings the peer on a ticker. Pongs are processed by the
// concurrent readPump read; a failed ping ends the session.
func (s *Session) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, tuning.PingTimeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					s.log.Warnf("Ping failed: %v", err)
				}
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) next() (frame, bool) {
	f, ok := <-s.frames
	return f, ok
}

func (s *Session) send(r *proto.Reply) bool {
	msg, err := proto.ForgeReply(r)
	if err != nil {
		s.log.Errorf("Cannot forge reply: %v", err)
		return false
	}
	ctx, cancel := context.WithTimeout(s.ctx, tuning.PingTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		s.log.Warnf("Cannot send reply: %v", err)
		return false
	}
	return true
}

func (s *Session) sendBinary(data []byte) bool {
	ctx, cancel := context.WithTimeout(s.ctx, tuning.PingTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		s.log.Warnf("Cannot send game data: %v", err)
		return false
	}
	return true
}

func (s *Session) stop() {
	s.cancel()
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	if err == nil || websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
		s.log.Info("Client disconnected")
	} else {
		s.log.Warnf("Could not close connection gracefully: %v", err)
	}
}

// handshake answers the first text frame and reports whether the peer
// speaks the same protocol.
func (s *Session) handshake() bool {
	f, ok := s.next()
	if !ok {
		return false
	}
	if f.typ != websocket.MessageText {
		s.log.Warn("Wrong frame type while handshaking")
		return false
	}
	req, err := proto.ParseRequest(f.data)
	if err != nil {
		s.log.Warnf("Invalid request from client: %v", err)
		return false
	}
	if req.Handshake == nil {
		s.log.Warn("Wrong message while handshaking")
		return false
	}
	if !s.send(&proto.Reply{Handshake: &proto.Handshake{Magic: proto.Magic, Version: proto.Version}}) {
		return false
	}
	return req.Handshake.Magic == proto.Magic && req.Handshake.Version == proto.Version
}

func (s *Session) main() {
	for {
		f, ok := s.next()
		if !ok {
			return
		}
		if f.typ != websocket.MessageText {
			s.log.Warn("Unexpected binary frame")
			return
		}
		req, err := proto.ParseRequest(f.data)
		if err != nil {
			s.log.Warnf("Invalid request from client: %v", err)
			return
		}
		ok = true
		switch {
		case req.GameList != nil:
			ok = s.send(&proto.Reply{GameList: &proto.GameListReply{Games: s.srv.Registry.List()}})
		case req.GameDescription != nil:
			desc := s.srv.Registry.Description(req.GameDescription.Name)
			ok = s.send(&proto.Reply{GameDescription: &proto.GameDescriptionReply{Description: desc}})
		case req.GameNew != nil:
			ok = s.gameNew(req.GameNew)
		case req.LobbyList != nil:
			ok = s.send(&proto.Reply{LobbyList: &proto.LobbyListReply{Info: s.srv.Lobby.List()}})
		case req.LobbySubscribe != nil:
			ok = s.lobbySubscribed()
		case req.LobbyJoinMatch != nil:
			ok = s.joined(req.LobbyJoinMatch)
		case req.SpectateJoin != nil:
			ok = s.spectate(req.SpectateJoin.ID)
		case req.HistoryMatchList != nil:
			ok = s.send(&proto.Reply{HistoryMatchList: &proto.HistoryMatchListReply{IDs: s.srv.Archive.List()}})
		case req.HistoryMatch != nil:
			ok = s.historyMatch(req.HistoryMatch.ID)
		default:
			s.log.Warn("Request not valid for current state")
			return
		}
		if !ok {
			return
		}
	}
}

func (s *Session) gameNew(req *proto.GameNewRequest) bool {
	id, err := s.srv.Lobby.NewGame(req.Name, req.Game, req.Params, req.Args, req.Password, req.Verification)
	if err != nil {
		return s.send(&proto.Reply{GameNew: &proto.GameNewReply{Error: err.Error()}})
	}
	return s.send(&proto.Reply{GameNew: &proto.GameNewReply{ID: id}})
}

func (s *Session) historyMatch(id string) bool {
	rec, err := s.srv.Archive.Retrieve(id)
	if err != nil {
		return s.send(&proto.Reply{HistoryMatch: &proto.HistoryMatchReply{Error: err.Error()}})
	}
	return s.send(&proto.Reply{HistoryMatch: &proto.HistoryMatchReply{Match: &rec}})
}

// lobbySubscribed forwards lobby events until the client unsubscribes.
// Returns true to resume the main loop.
func (s *Session) lobbySubscribed() bool {
	sub := s.srv.Lobby.Subscribe()
	if !s.send(&proto.Reply{LobbySubscribed: &proto.LobbySubscribedReply{Seed: sub.Seed}}) {
		sub.Events.Unsubscribe()
		return false
	}
	for {
		select {
		case ev, ok := <-sub.Events.C:
			if !ok {
				s.log.Warnf("Lobby subscription dropped: %v", sub.Events.Err())
				return false
			}
			if !s.sendLobbyEvent(ev) {
				sub.Events.Unsubscribe()
				return false
			}
		case f, ok := <-s.frames:
			if !ok {
				sub.Events.Unsubscribe()
				return false
			}
			req := s.parseText(f)
			if req == nil || req.LobbyUnsubscribe == nil {
				s.log.Warn("Request not valid for current state")
				sub.Events.Unsubscribe()
				return false
			}
			sub.Events.Unsubscribe()
			return s.send(&proto.Reply{LobbyUnsubscribed: &proto.Empty{}})
		}
	}
}

func (s *Session) sendLobbyEvent(ev lobby.Event) bool {
	switch e := ev.(type) {
	case lobby.EventNew:
		return s.send(&proto.Reply{LobbyNew: &proto.LobbyEventReply{Info: e.Info}})
	case lobby.EventUpdate:
		return s.send(&proto.Reply{LobbyUpdate: &proto.LobbyEventReply{Info: e.Info}})
	case lobby.EventDelete:
		return s.send(&proto.Reply{LobbyDelete: &proto.LobbyDeleteReply{ID: e.ID}})
	}
	return true
}

func (s *Session) parseText(f frame) *proto.Request {
	if f.typ != websocket.MessageText {
		return nil
	}
	req, err := proto.ParseRequest(f.data)
	if err != nil {
		s.log.Warnf("Invalid request from client: %v", err)
		return nil
	}
	return req
}

// joined claims a player slot and waits for the match to start. An
// ungraceful exit leaves the dead slot behind, so the lobby is told to
// refresh and notice it.
func (s *Session) joined(req *proto.LobbyJoinMatchRequest) bool {
	slot := play.NewPlayerChan()
	info, err := s.srv.Lobby.Join(req.ID, req.Name, req.Password, slot)
	if err != nil {
		return s.send(&proto.Reply{LobbyJoinedMatch: &proto.LobbyJoinedMatchReply{Error: err.Error()}})
	}
	abort := func() {
		slot.Close()
		s.srv.Lobby.Refresh(req.ID)
	}
	if !s.send(&proto.Reply{LobbyJoinedMatch: &proto.LobbyJoinedMatchReply{Info: &info}}) {
		abort()
		return false
	}
	for {
		select {
		case ev := <-slot.Events():
			switch e := ev.(type) {
			case play.EventUpdate:
				if !s.send(&proto.Reply{LobbyUpdate: &proto.LobbyEventReply{Info: e.Info}}) {
					abort()
					return false
				}
			case play.EventStarted:
				if !s.send(&proto.Reply{MatchStarted: &proto.Empty{}}) {
					abort()
					return false
				}
				return s.play(slot, e.Pipe)
			case play.EventExpired:
				slot.Close()
				return s.send(&proto.Reply{LobbyDelete: &proto.LobbyDeleteReply{ID: req.ID}})
			}
		case f, ok := <-s.frames:
			if !ok {
				abort()
				return false
			}
			r := s.parseText(f)
			if r == nil || r.LobbyLeaveMatch == nil {
				s.log.Warn("Request not valid for current state")
				abort()
				return false
			}
			if err := s.srv.Lobby.Leave(req.ID, req.Name); err != nil {
				// The match may have started in the meantime; stay
				// joined and wait for the start event.
				s.log.Warnf("Cannot leave game: %v", err)
				continue
			}
			slot.Close()
			return s.send(&proto.Reply{LobbyLeavedMatch: &proto.Empty{}})
		}
	}
}

// play shuttles binary frames between the client and its game pipe
// until the match ends.
func (s *Session) play(slot *play.PlayerChan, p *pipe.Duplex) bool {
	chunks := make(chan []byte)
	go func() {
		defer close(chunks)
		buf := make([]byte, tuning.PipeBuffer)
		for {
			n, err := p.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-s.ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	cleanup := func() {
		p.Close()
		slot.Close()
	}
	for {
		select {
		case ev := <-slot.Events():
			switch e := ev.(type) {
			case play.EventUpdate:
				if !s.send(&proto.Reply{LobbyUpdate: &proto.LobbyEventReply{Info: e.Info}}) {
					cleanup()
					return false
				}
			case play.EventEnded:
				cleanup()
				return s.send(&proto.Reply{MatchEnded: &proto.Empty{}})
			}
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if !s.sendBinary(chunk) {
				cleanup()
				return false
			}
		case f, ok := <-s.frames:
			if !ok {
				cleanup()
				return false
			}
			if f.typ == websocket.MessageBinary {
				if _, err := p.Write(f.data); err != nil {
					// The game closed its end; the end event follows.
					s.log.Debugf("Cannot write to game pipe: %v", err)
				}
				continue
			}
			s.log.Warn("Request not valid for current state")
			cleanup()
			return false
		}
	}
}

// spectate attaches to a match's event stream. A running match replays
// the accumulated history in bounded binary chunks before going live.
func (s *Session) spectate(id string) bool {
	spec, err := s.srv.Lobby.Spectate(id)
	if err != nil {
		return s.send(&proto.Reply{SpectateJoined: &proto.SpectateJoinedReply{Error: err.Error()}})
	}
	events := spec.Events
	if !s.send(&proto.Reply{SpectateJoined: &proto.SpectateJoinedReply{Info: &spec.Info}}) {
		events.Unsubscribe()
		return false
	}
	if spec.Running {
		if !s.send(&proto.Reply{SpectateStarted: &proto.Empty{}}) {
			events.Unsubscribe()
			return false
		}
		if !s.replayHistory(spec.History) {
			events.Unsubscribe()
			return false
		}
		if !s.send(&proto.Reply{SpectateSynced: &proto.Empty{}}) {
			events.Unsubscribe()
			return false
		}
	}
	for {
		select {
		case ev, ok := <-events.C:
			if !ok {
				if errors.Is(events.Err(), broadcast.ErrClosed) {
					// The match ended before this subscription; the
					// replay above already carried the whole history.
					return s.send(&proto.Reply{SpectateEnded: &proto.Empty{}})
				}
				s.log.Warnf("Spectator subscription dropped: %v", events.Err())
				return false
			}
			if !s.sendMatchEvent(ev, id) {
				events.Unsubscribe()
				return false
			}
			switch ev.(type) {
			case play.EventEnded, play.EventExpired:
				events.Unsubscribe()
				return true
			}
		case f, ok := <-s.frames:
			if !ok {
				events.Unsubscribe()
				return false
			}
			req := s.parseText(f)
			if req == nil || req.SpectateLeave == nil {
				s.log.Warn("Request not valid for current state")
				events.Unsubscribe()
				return false
			}
			events.Unsubscribe()
			return s.send(&proto.Reply{SpectateLeaved: &proto.Empty{}})
		}
	}
}

func (s *Session) replayHistory(history []byte) bool {
	for off := 0; off < len(history); off += tuning.ChunkSize {
		end := off + tuning.ChunkSize
		if end > len(history) {
			end = len(history)
		}
		if !s.sendBinary(history[off:end]) {
			return false
		}
	}
	return true
}

func (s *Session) sendMatchEvent(ev play.MatchEvent, id string) bool {
	switch e := ev.(type) {
	case play.EventUpdate:
		return s.send(&proto.Reply{LobbyUpdate: &proto.LobbyEventReply{Info: e.Info}})
	case play.EventStarted:
		// A waiting-state subscription just saw the match start; there
		// is no history to catch up on.
		if !s.send(&proto.Reply{SpectateStarted: &proto.Empty{}}) {
			return false
		}
		return s.send(&proto.Reply{SpectateSynced: &proto.Empty{}})
	case play.EventSpectatorData:
		return s.sendBinary(e.Data)
	case play.EventEnded:
		return s.send(&proto.Reply{SpectateEnded: &proto.Empty{}})
	case play.EventExpired:
		return s.send(&proto.Reply{LobbyDelete: &proto.LobbyDeleteReply{ID: id}})
	}
	return true
}

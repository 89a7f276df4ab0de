// Package proto defines the JSON wire protocol spoken over the
// WebSocket text frames. Requests and replies are externally tagged
// unions: exactly one variant field is present per frame, e.g.
//
//	{"Handshake":{"magic":"coco","version":1}}
//
// Binary frames are never routed through this package; they carry
// opaque game bytes.
package proto

import (
	"encoding/json"
	"fmt"
)

const (
	// Magic identifies a Colosseum endpoint during the handshake.
	Magic = "coco"
	// Version must match exactly on both sides of the handshake.
	Version uint64 = 1
)

// ArgSpec documents a single game argument: what it means and the
// pattern a value must satisfy.
type ArgSpec struct {
	Description string `json:"description"`
	Regex       string `json:"regex"`
}

// GameEntry is one game in the registry catalog.
type GameEntry struct {
	Name string             `json:"name"`
	Args map[string]ArgSpec `json:"args"`
}

// GameParams are the creation parameters of a match. Players and
// Timeout are optional on the wire; the game builder normalizes them.
type GameParams struct {
	Players *int     `json:"players,omitempty"`
	Bots    int      `json:"bots"`
	Timeout *float64 `json:"timeout,omitempty"`
}

// MatchInfo is the public descriptor of a live match.
type MatchInfo struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Game       string            `json:"game"`
	Players    int               `json:"players"`
	Bots       int               `json:"bots"`
	Timeout    float64           `json:"timeout"`
	Args       map[string]string `json:"args"`
	Running    bool              `json:"running"`
	Time       int64             `json:"time"`
	Connected  []string          `json:"connected"`
	Spectators int               `json:"spectators"`
	Password   bool              `json:"password"`
	Verified   bool              `json:"verified"`
}

// MatchData is an archived match record; it is both the HistoryMatch
// reply payload and the persisted descriptor.
type MatchData struct {
	ID      string            `json:"id"`
	Game    string            `json:"game"`
	Args    map[string]string `json:"args"`
	Players []string          `json:"players"`
	Bots    int               `json:"bots"`
	History []byte            `json:"history"`
}

// Handshake opens every connection, in both directions.
type Handshake struct {
	Magic   string `json:"magic"`
	Version uint64 `json:"version"`
}

type GameDescriptionRequest struct {
	Name string `json:"name"`
}

type GameNewRequest struct {
	Name         string            `json:"name"`
	Game         string            `json:"game"`
	Params       GameParams        `json:"params"`
	Args         map[string]string `json:"args"`
	Password     *string           `json:"password,omitempty"`
	Verification *string           `json:"verification,omitempty"`
}

type LobbyJoinMatchRequest struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Password *string `json:"password,omitempty"`
}

type SpectateJoinRequest struct {
	ID string `json:"id"`
}

type HistoryMatchRequest struct {
	ID string `json:"id"`
}

// Empty is the payload of variants that carry no data. The braces are
// still required on the wire: {"LobbyList":{}}.
type Empty struct{}

// Request is the client-to-server union.
type Request struct {
	Handshake        *Handshake              `json:"Handshake,omitempty"`
	GameList         *Empty                  `json:"GameList,omitempty"`
	GameDescription  *GameDescriptionRequest `json:"GameDescription,omitempty"`
	GameNew          *GameNewRequest         `json:"GameNew,omitempty"`
	LobbyList        *Empty                  `json:"LobbyList,omitempty"`
	LobbySubscribe   *Empty                  `json:"LobbySubscribe,omitempty"`
	LobbyUnsubscribe *Empty                  `json:"LobbyUnsubscribe,omitempty"`
	LobbyJoinMatch   *LobbyJoinMatchRequest  `json:"LobbyJoinMatch,omitempty"`
	LobbyLeaveMatch  *Empty                  `json:"LobbyLeaveMatch,omitempty"`
	SpectateJoin     *SpectateJoinRequest    `json:"SpectateJoin,omitempty"`
	SpectateLeave    *Empty                  `json:"SpectateLeave,omitempty"`
	HistoryMatchList *Empty                  `json:"HistoryMatchList,omitempty"`
	HistoryMatch     *HistoryMatchRequest    `json:"HistoryMatch,omitempty"`
}

type GameListReply struct {
	Games []GameEntry `json:"games"`
}

type GameDescriptionReply struct {
	Description *string `json:"description"`
}

// GameNewReply carries the created match id, or Error on rejection.
type GameNewReply struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

type LobbyListReply struct {
	Info []MatchInfo `json:"info"`
}

// LobbySubscribedReply acknowledges a subscription and seeds it with
// the directory snapshot taken in the same lobby step.
type LobbySubscribedReply struct {
	Seed []MatchInfo `json:"seed"`
}

type LobbyEventReply struct {
	Info MatchInfo `json:"info"`
}

type LobbyDeleteReply struct {
	ID string `json:"id"`
}

type LobbyJoinedMatchReply struct {
	Info  *MatchInfo `json:"info,omitempty"`
	Error string     `json:"error,omitempty"`
}

type SpectateJoinedReply struct {
	Info  *MatchInfo `json:"info,omitempty"`
	Error string     `json:"error,omitempty"`
}

type HistoryMatchListReply struct {
	IDs []string `json:"ids"`
}

type HistoryMatchReply struct {
	Match *MatchData `json:"match,omitempty"`
	Error string     `json:"error,omitempty"`
}

// Reply is the server-to-client union.
type Reply struct {
	Handshake         *Handshake             `json:"Handshake,omitempty"`
	GameList          *GameListReply         `json:"GameList,omitempty"`
	GameDescription   *GameDescriptionReply  `json:"GameDescription,omitempty"`
	GameNew           *GameNewReply          `json:"GameNew,omitempty"`
	LobbyList         *LobbyListReply        `json:"LobbyList,omitempty"`
	LobbySubscribed   *LobbySubscribedReply  `json:"LobbySubscribed,omitempty"`
	LobbyUnsubscribed *Empty                 `json:"LobbyUnsubscribed,omitempty"`
	LobbyNew          *LobbyEventReply       `json:"LobbyNew,omitempty"`
	LobbyUpdate       *LobbyEventReply       `json:"LobbyUpdate,omitempty"`
	LobbyDelete       *LobbyDeleteReply      `json:"LobbyDelete,omitempty"`
	LobbyJoinedMatch  *LobbyJoinedMatchReply `json:"LobbyJoinedMatch,omitempty"`
	LobbyLeavedMatch  *Empty                 `json:"LobbyLeavedMatch,omitempty"`
	MatchStarted      *Empty                 `json:"MatchStarted,omitempty"`
	MatchEnded        *Empty                 `json:"MatchEnded,omitempty"`
	SpectateJoined    *SpectateJoinedReply   `json:"SpectateJoined,omitempty"`
	SpectateStarted   *Empty                 `json:"SpectateStarted,omitempty"`
	SpectateSynced    *Empty                 `json:"SpectateSynced,omitempty"`
	SpectateEnded     *Empty                 `json:"SpectateEnded,omitempty"`
	SpectateLeaved    *Empty                 `json:"SpectateLeaved,omitempty"`
	HistoryMatchList  *HistoryMatchListReply `json:"HistoryMatchList,omitempty"`
	HistoryMatch      *HistoryMatchReply     `json:"HistoryMatch,omitempty"`
}

func (r *Request) variants() int {
	n := 0
	for _, set := range []bool{
		r.Handshake != nil, r.GameList != nil, r.GameDescription != nil,
		r.GameNew != nil, r.LobbyList != nil, r.LobbySubscribe != nil,
		r.LobbyUnsubscribe != nil, r.LobbyJoinMatch != nil,
		r.LobbyLeaveMatch != nil, r.SpectateJoin != nil,
		r.SpectateLeave != nil, r.HistoryMatchList != nil,
		r.HistoryMatch != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func (r *Reply) variants() int {
	n := 0
	for _, set := range []bool{
		r.Handshake != nil, r.GameList != nil, r.GameDescription != nil,
		r.GameNew != nil, r.LobbyList != nil, r.LobbySubscribed != nil,
		r.LobbyUnsubscribed != nil, r.LobbyNew != nil, r.LobbyUpdate != nil,
		r.LobbyDelete != nil, r.LobbyJoinedMatch != nil,
		r.LobbyLeavedMatch != nil, r.MatchStarted != nil,
		r.MatchEnded != nil, r.SpectateJoined != nil,
		r.SpectateStarted != nil, r.SpectateSynced != nil,
		r.SpectateEnded != nil, r.SpectateLeaved != nil,
		r.HistoryMatchList != nil, r.HistoryMatch != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// ForgeRequest serializes a request, refusing malformed unions.
func ForgeRequest(r *Request) ([]byte, error) {
	if r.variants() != 1 {
		return nil, fmt.Errorf("request must carry exactly one variant")
	}
	return json.Marshal(r)
}

// ParseRequest deserializes a request, refusing frames that carry zero
// or multiple variants.
func ParseRequest(data []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("cannot parse request: %w", err)
	}
	if r.variants() != 1 {
		return nil, fmt.Errorf("request must carry exactly one variant")
	}
	return &r, nil
}

// ForgeReply serializes a reply, refusing malformed unions.
func ForgeReply(r *Reply) ([]byte, error) {
	if r.variants() != 1 {
		return nil, fmt.Errorf("reply must carry exactly one variant")
	}
	return json.Marshal(r)
}

// ParseReply deserializes a reply, refusing frames that carry zero or
// multiple variants.
func ParseReply(data []byte) (*Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("cannot parse reply: %w", err)
	}
	if r.variants() != 1 {
		return nil, fmt.Errorf("reply must carry exactly one variant")
	}
	return &r, nil
}

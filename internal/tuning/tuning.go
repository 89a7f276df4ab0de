// Package tuning centralizes the resource caps and validation patterns
// shared by the lobby, play and session layers.
package tuning

import (
	"regexp"
	"time"
)

const (
	// QueueBuffer is the command queue capacity of every actor.
	QueueBuffer = 128
	// BroadcastBuffer is the per-subscriber capacity of lobby and
	// spectator broadcasts.
	BroadcastBuffer = 512
	// PipeBuffer is the byte capacity of each in-process game pipe.
	PipeBuffer = 1 << 16
	// ChunkSize bounds the binary frames used to replay spectator
	// history to late subscribers.
	ChunkSize = 1 << 20

	MaxPlayers       = 100
	MaxGameInstances = 1000

	MinTimeout = 0.1   // seconds
	MaxTimeout = 600.0 // seconds

	// InstanceLifetime is how long a waiting match survives without
	// join/leave activity before the reaper removes it.
	InstanceLifetime = 600 * time.Second
	// EndGracePeriod lets final spectator bytes reach slow subscribers
	// after the game instance returns.
	EndGracePeriod = 250 * time.Millisecond
	// PingTimeout is the session keepalive period: connections are
	// pinged at this interval and dropped when a ping goes unanswered.
	PingTimeout = 30 * time.Second
)

var (
	// UsernameRegex: graphical characters except '$' (reserved for the
	// ServerBot$<n> slots), 1..16.
	UsernameRegex = regexp.MustCompile(`^[\x21-\x23\x25-\x7e]{1,16}$`)
	// GameNameRegex: printable characters (space allowed), 1..24.
	GameNameRegex = regexp.MustCompile(`^[\x20-\x7e]{1,24}$`)
	// PasswordRegex: graphical characters, 0..32.
	PasswordRegex = regexp.MustCompile(`^[\x21-\x7e]{0,32}$`)
)

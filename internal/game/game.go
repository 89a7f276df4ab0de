// Package game defines the capability every hosted game implements and
// the registry actor that owns the catalog of game builders.
package game

import (
	"context"

	"github.com/code-colosseum/colosseum/internal/pipe"
	"github.com/code-colosseum/colosseum/internal/proto"
)

// Instance is a single running game. Start blocks until the game is
// over; the server side of every player (and bot) pipe is in players,
// keyed by username (bot slots use the reserved ServerBot$<n> names).
// Everything written to spectators is fanned out to spectator
// subscriptions and archived as the match history.
type Instance interface {
	Start(ctx context.Context, players map[string]*pipe.Duplex, spectators *pipe.Duplex)
}

// Bot is an in-process player. Its pipe is indistinguishable from a
// remote player's.
type Bot interface {
	Start(ctx context.Context, stream *pipe.Duplex)
}

// Builder creates instances and bots of one registered game. Builders
// may be stateful: the registry guarantees at most one concurrent
// NewInstance or NewBot call per builder.
type Builder interface {
	Name() string
	Description() string
	Args() map[string]proto.ArgSpec

	// NewInstance validates args against the declared schema and
	// normalizes params: a nil Players or Timeout must be filled with
	// the game's defaults before returning.
	NewInstance(params *proto.GameParams, args map[string]string) (Instance, error)
	NewBot() Bot
}

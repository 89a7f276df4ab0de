// Package games lists the game modules bundled with the server.
package games

import (
	"github.com/code-colosseum/colosseum/internal/game"
	"github.com/code-colosseum/colosseum/internal/games/roshambo"
)

// All returns every bundled game builder, registered at process start.
func All() []game.Builder {
	return []game.Builder{
		roshambo.New(),
	}
}

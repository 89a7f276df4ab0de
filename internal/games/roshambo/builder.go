// Package roshambo implements rock-paper-scissors over the line
// protocol: each player receives its name, the opponent's name and the
// round count, then exchanges one move line per round.
package roshambo

import (
	"fmt"
	"strconv"

	"github.com/code-colosseum/colosseum/internal/game"
	"github.com/code-colosseum/colosseum/internal/proto"
)

const (
	defaultRounds  = 3
	maxRounds      = 101
	defaultTimeout = 30.0
)

const description = `Rock Paper Scissors

Line protocol. On start each player receives three lines: its own
name, the opponent's name, and the number of rounds. Each round the
player sends one move line (ROCK, PAPER or SCISSORS) and receives the
opponent's move line in response. A player that times out or sends an
invalid move retires; the opponent receives RETIRE and wins. Most
round wins takes the match.`

// Builder creates roshambo instances and bots.
type Builder struct{}

// New returns the builder registered at startup.
func New() *Builder { return &Builder{} }

func (*Builder) Name() string        { return "roshambo" }
func (*Builder) Description() string { return description }

func (*Builder) Args() map[string]proto.ArgSpec {
	return map[string]proto.ArgSpec{
		"rounds": {
			Description: "Number of rounds to play (odd, at most 101)",
			Regex:       `^[0-9]{1,3}$`,
		},
	}
}

func (*Builder) NewInstance(params *proto.GameParams, args map[string]string) (game.Instance, error) {
	switch {
	case params.Players == nil:
		two := 2
		params.Players = &two
	case *params.Players != 2:
		return nil, fmt.Errorf("cannot create game with %d players", *params.Players)
	}
	if params.Timeout == nil {
		timeout := defaultTimeout
		params.Timeout = &timeout
	}
	rounds := defaultRounds
	if raw, found := args["rounds"]; found {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid rounds: %v", err)
		}
		rounds = parsed
	}
	if rounds < 1 || rounds > maxRounds || rounds%2 == 0 {
		return nil, fmt.Errorf("rounds must be odd and between 1 and %d", maxRounds)
	}
	return &Instance{rounds: rounds, timeout: *params.Timeout}, nil
}

func (*Builder) NewBot() game.Bot { return &Bot{} }

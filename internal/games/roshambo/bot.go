package roshambo

import (
	"bufio"
	"context"
	"math/rand"
	"strconv"
	"strings"

	"github.com/code-colosseum/colosseum/internal/pipe"
)

var botMoves = []string{"ROCK", "PAPER", "SCISSORS"}

// Bot plays uniformly random moves.
type Bot struct{}

func (*Bot) Start(ctx context.Context, stream *pipe.Duplex) {
	in := bufio.NewReader(stream)
	if _, err := in.ReadString('\n'); err != nil { // own name
		return
	}
	if _, err := in.ReadString('\n'); err != nil { // opponent name
		return
	}
	line, err := in.ReadString('\n')
	if err != nil {
		return
	}
	rounds, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return
	}
	for i := 0; i < rounds; i++ {
		if !writeLine(stream, botMoves[rand.Intn(len(botMoves))]) {
			return
		}
		line, err := in.ReadString('\n')
		if err != nil || strings.TrimSpace(line) == "RETIRE" {
			return
		}
	}
}

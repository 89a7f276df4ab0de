package roshambo

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/code-colosseum/colosseum/internal/pipe"
)

var beats = map[string]string{
	"ROCK":     "SCISSORS",
	"PAPER":    "ROCK",
	"SCISSORS": "PAPER",
}

type player struct {
	name   string
	stream *pipe.Duplex
	in     *bufio.Reader
}

// Instance is one rock-paper-scissors match.
type Instance struct {
	rounds  int
	timeout float64
}

func (g *Instance) Start(ctx context.Context, players map[string]*pipe.Duplex, spectators *pipe.Duplex) {
	ps := make([]*player, 0, 2)
	for name, stream := range players {
		ps = append(ps, &player{name: name, stream: stream, in: bufio.NewReader(stream)})
	}
	if len(ps) != 2 {
		return
	}
	// Seat order is not the join order.
	rand.Shuffle(len(ps), func(i, j int) { ps[i], ps[j] = ps[j], ps[i] })

	for i, p := range ps {
		if !writeLine(p.stream, p.name) ||
			!writeLine(p.stream, ps[1-i].name) ||
			!writeLine(p.stream, fmt.Sprintf("%d", g.rounds)) {
			return
		}
	}
	writeLine(spectators, fmt.Sprintf("%s vs %s", ps[0].name, ps[1].name))
	writeLine(spectators, fmt.Sprintf("%d", g.rounds))

	timeout := time.Duration(g.timeout * float64(time.Second))
	score := [2]int{}
	for round := 0; round < g.rounds; round++ {
		moves := [2]string{}
		results := make(chan moveResult, 2)
		for i, p := range ps {
			go collectMove(p, timeout, i, results)
		}
		for range ps {
			res := <-results
			if res.err != nil {
				// The slow or misbehaving player retires and forfeits.
				loser, winner := ps[res.seat], ps[1-res.seat]
				writeLine(winner.stream, "RETIRE")
				writeLine(spectators, fmt.Sprintf("RETIRE %s", loser.name))
				writeLine(spectators, fmt.Sprintf("WINNER %s", winner.name))
				return
			}
			moves[res.seat] = res.move
		}
		for i, p := range ps {
			writeLine(p.stream, moves[1-i])
		}
		writeLine(spectators, fmt.Sprintf("%s %s %s %s", ps[0].name, moves[0], ps[1].name, moves[1]))
		if beats[moves[0]] == moves[1] {
			score[0]++
		} else if beats[moves[1]] == moves[0] {
			score[1]++
		}
	}
	writeLine(spectators, fmt.Sprintf("SCORE %d %d", score[0], score[1]))
	switch {
	case score[0] > score[1]:
		writeLine(spectators, fmt.Sprintf("WINNER %s", ps[0].name))
	case score[1] > score[0]:
		writeLine(spectators, fmt.Sprintf("WINNER %s", ps[1].name))
	default:
		writeLine(spectators, "DRAW")
	}
}

type moveResult struct {
	seat int
	move string
	err  error
}

func collectMove(p *player, timeout time.Duration, seat int, results chan<- moveResult) {
	p.stream.SetReadDeadline(time.Now().Add(timeout))
	line, err := p.in.ReadString('\n')
	if err != nil {
		results <- moveResult{seat: seat, err: err}
		return
	}
	move := strings.TrimSpace(line)
	if _, valid := beats[move]; !valid {
		results <- moveResult{seat: seat, err: fmt.Errorf("invalid move %q", move)}
		return
	}
	results <- moveResult{seat: seat, move: move}
}

func writeLine(stream *pipe.Duplex, line string) bool {
	_, err := stream.Write([]byte(line + "\n"))
	return err == nil
}

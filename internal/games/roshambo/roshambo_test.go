package roshambo

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-colosseum/colosseum/internal/pipe"
	"github.com/code-colosseum/colosseum/internal/proto"
	"github.com/code-colosseum/colosseum/internal/tuning"
)

func TestNewInstanceValidation(t *testing.T) {
	b := New()

	params := proto.GameParams{}
	instance, err := b.NewInstance(&params, nil)
	require.NoError(t, err)
	require.NotNil(t, instance)
	require.Equal(t, 2, *params.Players)
	require.Equal(t, defaultTimeout, *params.Timeout)

	three := 3
	_, err = b.NewInstance(&proto.GameParams{Players: &three}, nil)
	require.ErrorContains(t, err, "cannot create game with 3 players")

	for _, rounds := range []string{"0", "2", "102", "103", "nope"} {
		_, err = b.NewInstance(&proto.GameParams{}, map[string]string{"rounds": rounds})
		require.Error(t, err, "rounds %q", rounds)
	}

	_, err = b.NewInstance(&proto.GameParams{}, map[string]string{"rounds": "101"})
	require.NoError(t, err)
}

// seat is one scripted player end of a running match.
type seat struct {
	name     string
	opponent string
	stream   *pipe.Duplex
	in       *bufio.Reader
}

func (s *seat) readLine(t *testing.T) string {
	t.Helper()
	s.stream.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := s.in.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(line)
}

func (s *seat) send(t *testing.T, move string) {
	t.Helper()
	_, err := s.stream.Write([]byte(move + "\n"))
	require.NoError(t, err)
}

// startMatch runs the instance in the background and performs the
// three-line header exchange for both players.
func startMatch(t *testing.T, rounds int, timeout float64) (*seat, *seat, *bufio.Reader, chan struct{}) {
	t.Helper()
	aServer, aClient := pipe.New(tuning.PipeBuffer)
	bServer, bClient := pipe.New(tuning.PipeBuffer)
	specServer, specClient := pipe.New(tuning.PipeBuffer)

	g := &Instance{rounds: rounds, timeout: timeout}
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Start(context.Background(), map[string]*pipe.Duplex{
			"alice": aServer,
			"bob":   bServer,
		}, specServer)
	}()

	seats := [2]*seat{
		{stream: aClient, in: bufio.NewReader(aClient)},
		{stream: bClient, in: bufio.NewReader(bClient)},
	}
	for _, s := range seats {
		s.name = s.readLine(t)
		s.opponent = s.readLine(t)
		r, err := strconv.Atoi(s.readLine(t))
		require.NoError(t, err)
		require.Equal(t, rounds, r)
	}
	require.ElementsMatch(t, []string{"alice", "bob"}, []string{seats[0].name, seats[1].name})
	require.Equal(t, seats[0].name, seats[1].opponent)
	require.Equal(t, seats[1].name, seats[0].opponent)

	spec := bufio.NewReader(specClient)
	specClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	header, err := spec.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, header, " vs ")
	roundsLine, err := spec.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(rounds), strings.TrimSpace(roundsLine))

	return seats[0], seats[1], spec, done
}

func readSpecLine(t *testing.T, spec *bufio.Reader) string {
	t.Helper()
	line, err := spec.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(line)
}

func TestFullMatch(t *testing.T) {
	first, second, spec, done := startMatch(t, 3, 10.0)

	// Whoever got seated as alice always throws ROCK and wins round
	// one and three; round two is a draw.
	script := map[string][]string{
		"alice": {"ROCK", "PAPER", "ROCK"},
		"bob":   {"SCISSORS", "PAPER", "SCISSORS"},
	}
	for round := 0; round < 3; round++ {
		first.send(t, script[first.name][round])
		second.send(t, script[second.name][round])
		require.Equal(t, script[second.name][round], first.readLine(t))
		require.Equal(t, script[first.name][round], second.readLine(t))
		moveLine := readSpecLine(t, spec)
		require.Contains(t, moveLine, "alice")
		require.Contains(t, moveLine, "bob")
	}

	scoreLine := readSpecLine(t, spec)
	require.True(t, scoreLine == "SCORE 2 0" || scoreLine == "SCORE 0 2", scoreLine)
	require.Equal(t, "WINNER alice", readSpecLine(t, spec))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("instance did not return")
	}
}

func TestDraw(t *testing.T) {
	first, second, spec, done := startMatch(t, 1, 10.0)

	first.send(t, "PAPER")
	second.send(t, "PAPER")
	require.Equal(t, "PAPER", first.readLine(t))
	require.Equal(t, "PAPER", second.readLine(t))

	readSpecLine(t, spec) // round line
	require.Equal(t, "SCORE 0 0", readSpecLine(t, spec))
	require.Equal(t, "DRAW", readSpecLine(t, spec))
	<-done
}

func TestTimeoutRetires(t *testing.T) {
	first, second, spec, done := startMatch(t, 3, 0.1)

	first.send(t, "ROCK")
	// second stays silent and is retired on the move deadline.
	require.Equal(t, "RETIRE", first.readLine(t))
	require.Equal(t, "RETIRE "+second.name, readSpecLine(t, spec))
	require.Equal(t, "WINNER "+first.name, readSpecLine(t, spec))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("instance did not return after retire")
	}
}

func TestInvalidMoveRetires(t *testing.T) {
	first, second, spec, done := startMatch(t, 1, 10.0)

	first.send(t, "DYNAMITE")
	second.send(t, "ROCK")
	require.Equal(t, "RETIRE", second.readLine(t))
	require.Equal(t, "RETIRE "+first.name, readSpecLine(t, spec))
	require.Equal(t, "WINNER "+second.name, readSpecLine(t, spec))
	<-done
}

func TestBotVersusBot(t *testing.T) {
	aServer, aClient := pipe.New(tuning.PipeBuffer)
	bServer, bClient := pipe.New(tuning.PipeBuffer)
	specServer, specClient := pipe.New(tuning.PipeBuffer)

	g := &Instance{rounds: 5, timeout: 5.0}
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Start(context.Background(), map[string]*pipe.Duplex{
			"ServerBot$0": aServer,
			"ServerBot$1": bServer,
		}, specServer)
	}()
	go New().NewBot().Start(context.Background(), aClient)
	go New().NewBot().Start(context.Background(), bClient)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("bot match did not finish")
	}

	specClient.SetReadDeadline(time.Now().Add(time.Second))
	spec := bufio.NewReader(specClient)
	var lines []string
	for {
		line, err := spec.ReadString('\n')
		if err != nil {
			break
		}
		lines = append(lines, strings.TrimSpace(line))
	}
	require.GreaterOrEqual(t, len(lines), 4)
	var sawVerdict bool
	for _, line := range lines {
		if strings.HasPrefix(line, "WINNER ") || line == "DRAW" || strings.HasPrefix(line, "RETIRE ") {
			sawVerdict = true
		}
	}
	require.True(t, sawVerdict, "no verdict in spectator stream: %v", lines)
}

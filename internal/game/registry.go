package game

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/code-colosseum/colosseum/internal/proto"
	"github.com/code-colosseum/colosseum/internal/tuning"
)

// ErrNotFound reports a game name absent from the catalog.
var ErrNotFound = errors.New("game not found")

var errInternal = errors.New("internal server error")

// Registry is the actor owning the game catalog. All access goes
// through its bounded command queue; the owning goroutine is the only
// one that touches the builder map.
type Registry struct {
	cmds chan registryCmd
	log  *logrus.Logger
}

type registryCmd interface{ kind() string }

type listCmd struct {
	reply chan []proto.GameEntry
}

type describeCmd struct {
	name  string
	reply chan *string
}

type newGameCmd struct {
	name   string
	params proto.GameParams
	args   map[string]string
	reply  chan newGameResult
}

type newGameResult struct {
	instance Instance
	params   proto.GameParams
	err      error
}

type genBotsCmd struct {
	name  string
	n     int
	reply chan genBotsResult
}

type genBotsResult struct {
	bots []Bot
	err  error
}

type reinsertCmd struct {
	name    string
	builder Builder
}

func (listCmd) kind() string     { return "list" }
func (describeCmd) kind() string { return "describe" }
func (newGameCmd) kind() string  { return "newGame" }
func (genBotsCmd) kind() string  { return "genBots" }
func (reinsertCmd) kind() string { return "reinsert" }

// StartRegistry launches the registry actor with the given builders.
func StartRegistry(log *logrus.Logger, builders ...Builder) *Registry {
	r := &Registry{
		cmds: make(chan registryCmd, tuning.QueueBuffer),
		log:  log,
	}
	catalog := make(map[string]Builder, len(builders))
	for _, b := range builders {
		catalog[b.Name()] = b
	}
	go r.run(catalog)
	return r
}

func (r *Registry) run(catalog map[string]Builder) {
	for cmd := range r.cmds {
		switch c := cmd.(type) {
		case listCmd:
			entries := make([]proto.GameEntry, 0, len(catalog))
			for _, b := range catalog {
				entries = append(entries, proto.GameEntry{Name: b.Name(), Args: b.Args()})
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
			c.reply <- entries
		case describeCmd:
			if b, ok := catalog[c.name]; ok {
				desc := b.Description()
				c.reply <- &desc
			} else {
				c.reply <- nil
			}
		case newGameCmd:
			b, ok := catalog[c.name]
			if !ok {
				c.reply <- newGameResult{err: ErrNotFound}
				continue
			}
			// The builder leaves the catalog for the duration of the
			// call: builders may be stateful and must never see two
			// concurrent creations. The call itself runs off the actor
			// goroutine so other games stay available meanwhile.
			delete(catalog, c.name)
			go func() {
				instance, params, err := r.createInstance(b, c.params, c.args)
				r.cmds <- reinsertCmd{name: c.name, builder: b}
				c.reply <- newGameResult{instance: instance, params: params, err: err}
			}()
		case genBotsCmd:
			b, ok := catalog[c.name]
			if !ok {
				c.reply <- genBotsResult{err: ErrNotFound}
				continue
			}
			delete(catalog, c.name)
			go func() {
				bots, err := r.createBots(b, c.n)
				r.cmds <- reinsertCmd{name: c.name, builder: b}
				c.reply <- genBotsResult{bots: bots, err: err}
			}()
		case reinsertCmd:
			catalog[c.name] = c.builder
		}
	}
}

// createInstance shields the actor from panicking builders: the game is
// re-registered by the caller and the lobby gets a generic error.
func (r *Registry) createInstance(b Builder, params proto.GameParams, args map[string]string) (instance Instance, out proto.GameParams, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorf("Builder %q panicked while creating an instance: %v", b.Name(), rec)
			instance, err = nil, errInternal
		}
	}()
	instance, err = b.NewInstance(&params, args)
	if err != nil {
		return nil, params, fmt.Errorf("cannot create game: %w", err)
	}
	return instance, params, nil
}

func (r *Registry) createBots(b Builder, n int) (bots []Bot, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorf("Builder %q panicked while creating bots: %v", b.Name(), rec)
			bots, err = nil, errInternal
		}
	}()
	bots = make([]Bot, 0, n)
	for i := 0; i < n; i++ {
		bots = append(bots, b.NewBot())
	}
	return bots, nil
}

// List returns the catalog: every game name with its argument schema.
func (r *Registry) List() []proto.GameEntry {
	reply := make(chan []proto.GameEntry, 1)
	r.cmds <- listCmd{reply: reply}
	return <-reply
}

// Description returns a game's description, or nil when unknown.
func (r *Registry) Description(name string) *string {
	reply := make(chan *string, 1)
	r.cmds <- describeCmd{name: name, reply: reply}
	return <-reply
}

// NewGame asks the builder for a fresh instance and returns it along
// with the normalized parameters.
func (r *Registry) NewGame(name string, params proto.GameParams, args map[string]string) (Instance, proto.GameParams, error) {
	reply := make(chan newGameResult, 1)
	r.cmds <- newGameCmd{name: name, params: params, args: args, reply: reply}
	res := <-reply
	return res.instance, res.params, res.err
}

// GenBots creates n bots for the named game.
func (r *Registry) GenBots(name string, n int) ([]Bot, error) {
	reply := make(chan genBotsResult, 1)
	r.cmds <- genBotsCmd{name: name, n: n, reply: reply}
	res := <-reply
	return res.bots, res.err
}

// Close shuts the registry down once all producers are done.
func (r *Registry) Close() { close(r.cmds) }

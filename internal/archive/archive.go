// Package archive persists finished matches and serves them back to
// history queries. An actor goroutine serializes every backend call so
// backends never see concurrent access.
package archive

import (
	"errors"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/code-colosseum/colosseum/internal/proto"
	"github.com/code-colosseum/colosseum/internal/tuning"
)

var (
	// ErrNotFound reports that no match with the given id is archived.
	ErrNotFound = errors.New("match not found")
	// ErrMalformed reports that the stored record cannot be decoded.
	ErrMalformed = errors.New("archived match is malformed")
	// ErrInvalidID reports an id outside the archive alphabet.
	ErrInvalidID = errors.New("invalid match id")
)

// idRegex is the archive alphabet. Match ids are lowercase base32hex,
// so anything else (path separators included) is rejected before it
// reaches a backend.
var idRegex = regexp.MustCompile(`^[0-9a-z]+$`)

// Backend stores and retrieves match records. Calls are serialized by
// the archive actor.
type Backend interface {
	List() ([]string, error)
	Retrieve(id string) (proto.MatchData, error)
	Store(rec proto.MatchData) error
	Close()
}

// Archive is the handle to the persistence actor.
type Archive struct {
	cmds chan archiveCmd
	log  *logrus.Logger
}

type archiveCmd interface{ kind() string }

type listCmd struct {
	reply chan []string
}

type retrieveCmd struct {
	id    string
	reply chan retrieveResult
}

type retrieveResult struct {
	rec proto.MatchData
	err error
}

type storeCmd struct {
	rec   proto.MatchData
	reply chan error
}

func (listCmd) kind() string     { return "list" }
func (retrieveCmd) kind() string { return "retrieve" }
func (storeCmd) kind() string    { return "store" }

// Start launches the archive actor on top of a backend. The backend is
// closed when the actor shuts down.
func Start(log *logrus.Logger, backend Backend) *Archive {
	a := &Archive{
		cmds: make(chan archiveCmd, tuning.QueueBuffer),
		log:  log,
	}
	go a.run(backend)
	return a
}

func (a *Archive) run(backend Backend) {
	defer backend.Close()
	for cmd := range a.cmds {
		switch c := cmd.(type) {
		case listCmd:
			ids, err := backend.List()
			if err != nil {
				a.log.Errorf("Cannot list archived matches: %v", err)
				ids = nil
			}
			c.reply <- ids
		case retrieveCmd:
			if !idRegex.MatchString(c.id) {
				c.reply <- retrieveResult{err: ErrInvalidID}
				continue
			}
			rec, err := backend.Retrieve(c.id)
			c.reply <- retrieveResult{rec: rec, err: err}
		case storeCmd:
			if !idRegex.MatchString(c.rec.ID) {
				c.reply <- ErrInvalidID
				continue
			}
			c.reply <- backend.Store(c.rec)
		}
	}
}

// List returns the ids of every archived match. Backend failures are
// logged and reported as an empty list.
func (a *Archive) List() []string {
	reply := make(chan []string, 1)
	a.cmds <- listCmd{reply: reply}
	return <-reply
}

// Retrieve loads one archived match.
func (a *Archive) Retrieve(id string) (proto.MatchData, error) {
	reply := make(chan retrieveResult, 1)
	a.cmds <- retrieveCmd{id: id, reply: reply}
	res := <-reply
	return res.rec, res.err
}

// Store persists a finished match. It satisfies the coordinator's
// Archiver dependency.
func (a *Archive) Store(rec proto.MatchData) error {
	reply := make(chan error, 1)
	a.cmds <- storeCmd{rec: rec, reply: reply}
	return <-reply
}

// Close shuts the actor down once all producers are done.
func (a *Archive) Close() { close(a.cmds) }

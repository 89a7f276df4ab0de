package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/code-colosseum/colosseum/internal/proto"
)

const archivesSchema = `
CREATE TABLE IF NOT EXISTS archives (
	id      text PRIMARY KEY,
	game    text NOT NULL,
	args    jsonb NOT NULL,
	players jsonb NOT NULL,
	bots    int NOT NULL,
	history bytea NOT NULL
)`

// Postgres archives matches in a single table, history as bytea.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and creates the archives table on first
// use.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("cannot create pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, archivesSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot create archives table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) List() ([]string, error) {
	rows, err := p.pool.Query(context.Background(), `SELECT id FROM archives ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("cannot list archives: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("cannot scan archive id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) Retrieve(id string) (proto.MatchData, error) {
	var rec proto.MatchData
	var args, players []byte
	err := p.pool.QueryRow(context.Background(),
		`SELECT id, game, args, players, bots, history FROM archives WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Game, &args, &players, &rec.Bots, &rec.History)
	if errors.Is(err, pgx.ErrNoRows) {
		return proto.MatchData{}, ErrNotFound
	}
	if err != nil {
		return proto.MatchData{}, fmt.Errorf("cannot retrieve archived match: %w", err)
	}
	if err := json.Unmarshal(args, &rec.Args); err != nil {
		return proto.MatchData{}, ErrMalformed
	}
	if err := json.Unmarshal(players, &rec.Players); err != nil {
		return proto.MatchData{}, ErrMalformed
	}
	return rec, nil
}

func (p *Postgres) Store(rec proto.MatchData) error {
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("cannot serialize match args: %w", err)
	}
	players, err := json.Marshal(rec.Players)
	if err != nil {
		return fmt.Errorf("cannot serialize match players: %w", err)
	}
	_, err = p.pool.Exec(context.Background(),
		`INSERT INTO archives (id, game, args, players, bots, history)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   game = EXCLUDED.game, args = EXCLUDED.args,
		   players = EXCLUDED.players, bots = EXCLUDED.bots,
		   history = EXCLUDED.history`,
		rec.ID, rec.Game, args, players, rec.Bots, rec.History)
	if err != nil {
		return fmt.Errorf("cannot store match record: %w", err)
	}
	return nil
}

func (p *Postgres) Close() { p.pool.Close() }

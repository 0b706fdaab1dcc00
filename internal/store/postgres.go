package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"chessarena/pkg/wire"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Migrate creates the schema when it does not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
		    id           TEXT PRIMARY KEY,
		    username     TEXT NOT NULL,
		    rating       INTEGER NOT NULL,
		    games_played INTEGER NOT NULL DEFAULT 0,
		    wins         INTEGER NOT NULL DEFAULT 0,
		    losses       INTEGER NOT NULL DEFAULT 0,
		    draws        INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS matches (
		    id            TEXT PRIMARY KEY,
		    white_id      TEXT NOT NULL,
		    black_id      TEXT,
		    status        TEXT NOT NULL,
		    result        TEXT NOT NULL DEFAULT '',
		    starting_fen  TEXT NOT NULL,
		    current_fen   TEXT NOT NULL,
		    started_at    TIMESTAMPTZ NOT NULL,
		    ended_at      TIMESTAMPTZ,
		    last_move_at  TIMESTAMPTZ NOT NULL,
		    white_time_ms BIGINT NOT NULL DEFAULT 0,
		    black_time_ms BIGINT NOT NULL DEFAULT 0,
		    chat          JSONB NOT NULL DEFAULT '[]'::jsonb
		)`,
		`CREATE INDEX IF NOT EXISTS matches_status_idx ON matches (status)`,
		`CREATE TABLE IF NOT EXISTS moves (
		    match_id      TEXT NOT NULL REFERENCES matches(id),
		    move_number   INTEGER NOT NULL,
		    from_square   TEXT NOT NULL,
		    to_square     TEXT NOT NULL,
		    uci           TEXT NOT NULL,
		    san           TEXT NOT NULL,
		    fen_before    TEXT NOT NULL,
		    fen_after     TEXT NOT NULL,
		    time_taken_ms BIGINT NOT NULL DEFAULT 0,
		    played_at     TIMESTAMPTZ NOT NULL,
		    PRIMARY KEY (match_id, move_number)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (p *Postgres) UpsertLive(ctx context.Context, rec *MatchRecord) error {
	if rec == nil {
		return fmt.Errorf("nil match record")
	}
	const q = `INSERT INTO matches (
	      id, white_id, black_id, status, result,
	      starting_fen, current_fen,
	      started_at, last_move_at,
	      white_time_ms, black_time_ms, chat
	    ) VALUES ($1,$2,$3,$4,'',$5,$6,$7,$8,$9,$10,'[]'::jsonb)
	    ON CONFLICT (id) DO UPDATE SET
	      black_id=EXCLUDED.black_id,
	      status=EXCLUDED.status,
	      started_at=EXCLUDED.started_at,
	      last_move_at=EXCLUDED.last_move_at`
	_, err := p.db.ExecContext(ctx, q,
		rec.ID, rec.WhiteID, rec.BlackID, string(StatusInProgress),
		rec.StartingFEN, rec.CurrentFEN,
		rec.StartedAt, rec.LastMoveAt,
		rec.WhiteTimeMs, rec.BlackTimeMs,
	)
	return err
}

func (p *Postgres) FindMatch(ctx context.Context, id string) (*MatchRecord, error) {
	const q = `SELECT id, white_id, COALESCE(black_id, ''), status, COALESCE(result, ''),
	      starting_fen, current_fen, started_at, ended_at, last_move_at,
	      white_time_ms, black_time_ms, chat
	    FROM matches WHERE id = $1`
	row := p.db.QueryRowContext(ctx, q, id)
	rec, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *Postgres) ListActive(ctx context.Context) ([]*MatchRecord, error) {
	const q = `SELECT id, white_id, COALESCE(black_id, ''), status, COALESCE(result, ''),
	      starting_fen, current_fen, started_at, ended_at, last_move_at,
	      white_time_ms, black_time_ms, chat
	    FROM matches WHERE status = $1`
	rows, err := p.db.QueryContext(ctx, q, string(StatusInProgress))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MatchRecord
	for rows.Next() {
		rec, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (*MatchRecord, error) {
	var rec MatchRecord
	var status, result string
	var endedAt sql.NullTime
	var chatRaw []byte
	if err := row.Scan(
		&rec.ID, &rec.WhiteID, &rec.BlackID, &status, &result,
		&rec.StartingFEN, &rec.CurrentFEN, &rec.StartedAt, &endedAt, &rec.LastMoveAt,
		&rec.WhiteTimeMs, &rec.BlackTimeMs, &chatRaw,
	); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.Result = Result(result)
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	if len(chatRaw) > 0 {
		if err := json.Unmarshal(chatRaw, &rec.Chat); err != nil {
			return nil, fmt.Errorf("decode chat log: %w", err)
		}
	}
	return &rec, nil
}

func (p *Postgres) AppendMove(ctx context.Context, mv *MoveRecord, prog Progress) error {
	if mv == nil {
		return fmt.Errorf("nil move record")
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const insMove = `INSERT INTO moves (
	      match_id, move_number, from_square, to_square, uci, san,
	      fen_before, fen_after, time_taken_ms, played_at
	    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	if _, err := tx.ExecContext(ctx, insMove,
		mv.MatchID, mv.MoveNumber, mv.FromSquare, mv.ToSquare, mv.UCI, mv.SAN,
		mv.FENBefore, mv.FENAfter, mv.TimeTakenMs, mv.PlayedAt,
	); err != nil {
		return err
	}

	const updMatch = `UPDATE matches SET
	      current_fen=$2, last_move_at=$3, white_time_ms=$4, black_time_ms=$5
	    WHERE id=$1`
	if _, err := tx.ExecContext(ctx, updMatch,
		mv.MatchID, prog.CurrentFEN, prog.LastMoveAt, prog.WhiteTimeMs, prog.BlackTimeMs,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) ListMoves(ctx context.Context, matchID string) ([]*MoveRecord, error) {
	const q = `SELECT match_id, move_number, from_square, to_square, uci, san,
	      fen_before, fen_after, time_taken_ms, played_at
	    FROM moves WHERE match_id = $1 ORDER BY move_number`
	rows, err := p.db.QueryContext(ctx, q, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MoveRecord
	for rows.Next() {
		var mv MoveRecord
		if err := rows.Scan(
			&mv.MatchID, &mv.MoveNumber, &mv.FromSquare, &mv.ToSquare, &mv.UCI, &mv.SAN,
			&mv.FENBefore, &mv.FENAfter, &mv.TimeTakenMs, &mv.PlayedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &mv)
	}
	return out, rows.Err()
}

func (p *Postgres) FinishMatch(ctx context.Context, id string, status Status, result Result, endedAt time.Time, whiteMs, blackMs int64) (*MatchRecord, error) {
	const q = `UPDATE matches SET
	      status=$2, result=$3, ended_at=$4, white_time_ms=$5, black_time_ms=$6
	    WHERE id=$1`
	res, err := p.db.ExecContext(ctx, q, id, string(status), string(result), endedAt, whiteMs, blackMs)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	return p.FindMatch(ctx, id)
}

func (p *Postgres) AppendChat(ctx context.Context, matchID string, msg wire.ChatMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	const q = `UPDATE matches SET chat = chat || $2::jsonb WHERE id = $1`
	res, err := p.db.ExecContext(ctx, q, matchID, raw)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) EnsureUser(ctx context.Context, id, username string) (*UserRecord, error) {
	const q = `INSERT INTO users (id, username, rating, games_played, wins, losses, draws)
	    VALUES ($1, COALESCE(NULLIF($2,''), $1), $3, 0, 0, 0, 0)
	    ON CONFLICT (id) DO UPDATE SET
	      username = COALESCE(NULLIF(EXCLUDED.username,''), users.username)`
	if _, err := p.db.ExecContext(ctx, q, id, username, DefaultRating); err != nil {
		return nil, err
	}
	return p.GetUser(ctx, id)
}

func (p *Postgres) GetUser(ctx context.Context, id string) (*UserRecord, error) {
	const q = `SELECT id, username, rating, games_played, wins, losses, draws
	    FROM users WHERE id = $1`
	var u UserRecord
	err := p.db.QueryRowContext(ctx, q, id).Scan(
		&u.ID, &u.Username, &u.Rating, &u.GamesPlayed, &u.Wins, &u.Losses, &u.Draws,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) ApplyRatingUpdates(ctx context.Context, updates [2]RatingUpdate) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const q = `UPDATE users SET
	      rating=$2,
	      games_played=games_played+1,
	      wins=wins+$3, losses=losses+$4, draws=draws+$5
	    WHERE id=$1`
	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, q, u.UserID, u.NewRating, u.Wins, u.Losses, u.Draws); err != nil {
			return err
		}
	}
	return tx.Commit()
}

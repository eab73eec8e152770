package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/blackstories-bot/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects and pings within five seconds.
func OpenPostgres(databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, storageErr("open", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storageErr("ping", err)
	}
	return &Postgres{db: db}, nil
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (r *Postgres) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Migrate creates missing tables. Existing tables are left untouched.
func (r *Postgres) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return storageErr("migrate", err)
	}
	return nil
}

func (r *Postgres) ListGames(ctx context.Context) ([]domain.Game, error) {
	const query = `
		SELECT id, name, prompt, solution, COALESCE(image, '')
		FROM games
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("select games", err)
	}
	defer rows.Close()

	games := make([]domain.Game, 0)
	for rows.Next() {
		var g domain.Game
		if err := rows.Scan(&g.ID, &g.Name, &g.Prompt, &g.Solution, &g.Image); err != nil {
			return nil, storageErr("scan game", err)
		}
		games = append(games, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate games", err)
	}
	return games, nil
}

func (r *Postgres) GetGame(ctx context.Context, id int64) (*domain.Game, error) {
	const query = `
		SELECT id, name, prompt, solution, COALESCE(image, '')
		FROM games
		WHERE id = $1`

	var g domain.Game
	err := r.db.QueryRowContext(ctx, query, id).Scan(&g.ID, &g.Name, &g.Prompt, &g.Solution, &g.Image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("select game", err)
	}
	return &g, nil
}

func (r *Postgres) ActiveAIConfig(ctx context.Context) (*domain.AIConfig, error) {
	const query = `
		SELECT provider, COALESCE(api_key, ''), COALESCE(base_url, ''),
		       COALESCE(model, ''), COALESCE(prompt, ''), is_active
		FROM ai_configs
		WHERE is_active
		ORDER BY id
		LIMIT 1`

	var (
		c        domain.AIConfig
		provider string
	)
	err := r.db.QueryRowContext(ctx, query).Scan(&provider, &c.APIKey, &c.BaseURL, &c.Model, &c.Prompt, &c.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("select ai config", err)
	}
	c.Provider = domain.AIProvider(provider)
	return &c, nil
}

// UpsertAIConfig is a seed helper outside Store; the bot never writes
// provider config. It writes the row for cfg.Provider. Activating one provider
// deactivates the others.
func (r *Postgres) UpsertAIConfig(ctx context.Context, cfg domain.AIConfig) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if cfg.IsActive {
		if _, err := tx.ExecContext(ctx, `UPDATE ai_configs SET is_active = false WHERE provider <> $1`, string(cfg.Provider)); err != nil {
			return storageErr("deactivate ai configs", err)
		}
	}
	const query = `
		INSERT INTO ai_configs (provider, api_key, base_url, model, prompt, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider) DO UPDATE SET
			api_key = EXCLUDED.api_key,
			base_url = EXCLUDED.base_url,
			model = EXCLUDED.model,
			prompt = EXCLUDED.prompt,
			is_active = EXCLUDED.is_active`
	if _, err := tx.ExecContext(ctx, query, string(cfg.Provider), cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Prompt, cfg.IsActive); err != nil {
		return storageErr("upsert ai config", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// InsertGame is a seed helper outside Store. It adds a catalog entry and
// returns its id.
func (r *Postgres) InsertGame(ctx context.Context, g domain.Game) (int64, error) {
	const query = `
		INSERT INTO games (name, prompt, solution, image)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		RETURNING id`
	var id int64
	if err := r.db.QueryRowContext(ctx, query, g.Name, g.Prompt, g.Solution, g.Image).Scan(&id); err != nil {
		return 0, storageErr("insert game", err)
	}
	return id, nil
}

func (r *Postgres) FindPlayerByPhone(ctx context.Context, phone string) (*domain.Player, error) {
	const query = `
		SELECT id, login, name, COALESCE(phone, ''), level, created_at
		FROM players
		WHERE phone = $1`

	var p domain.Player
	err := r.db.QueryRowContext(ctx, query, phone).Scan(&p.ID, &p.Login, &p.Name, &p.Phone, &p.Level, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("select player", err)
	}
	return &p, nil
}

func (r *Postgres) CreatePlayer(ctx context.Context, np domain.NewPlayer) (*domain.Player, error) {
	const query = `
		INSERT INTO players (login, name, phone)
		VALUES ($1, $2, $3)
		RETURNING id, login, name, COALESCE(phone, ''), level, created_at`

	var p domain.Player
	err := r.db.QueryRowContext(ctx, query, np.Login, np.Name, np.Phone).
		Scan(&p.ID, &p.Login, &p.Name, &p.Phone, &p.Level, &p.CreatedAt)
	if err != nil {
		return nil, storageErr("insert player", err)
	}
	return &p, nil
}

func (r *Postgres) IncrementLevel(ctx context.Context, playerID int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE players SET level = level + 1 WHERE id = $1`, playerID)
	if err != nil {
		return storageErr("increment level", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storageErr("increment level", fmt.Errorf("player %d not found", playerID))
	}
	return nil
}

func (r *Postgres) RecordProgress(ctx context.Context, playerID int64, gameName string, won bool) error {
	const query = `
		INSERT INTO user_progress (player_id, game_name, won)
		VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, playerID, gameName, won); err != nil {
		return storageErr("insert progress", err)
	}
	return nil
}

func (r *Postgres) UpsertPlayedGame(ctx context.Context, playerID, gameID int64) error {
	const query = `
		INSERT INTO played_games (player_id, game_id)
		VALUES ($1, $2)
		ON CONFLICT (player_id, game_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, playerID, gameID); err != nil {
		return storageErr("upsert played game", err)
	}
	return nil
}

func (r *Postgres) HasPlayed(ctx context.Context, playerID, gameID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM played_games WHERE player_id = $1 AND game_id = $2)`
	var ok bool
	if err := r.db.QueryRowContext(ctx, query, playerID, gameID).Scan(&ok); err != nil {
		return false, storageErr("select played game", err)
	}
	return ok, nil
}

// Progress lists a player's records, newest first.
func (r *Postgres) Progress(ctx context.Context, playerID int64) ([]domain.ProgressRecord, error) {
	const query = `
		SELECT id, player_id, game_name, won, created_at
		FROM user_progress
		WHERE player_id = $1
		ORDER BY created_at DESC, id DESC`
	rows, err := r.db.QueryContext(ctx, query, playerID)
	if err != nil {
		return nil, storageErr("select progress", err)
	}
	defer rows.Close()

	out := make([]domain.ProgressRecord, 0)
	for rows.Next() {
		var rec domain.ProgressRecord
		if err := rows.Scan(&rec.ID, &rec.PlayerID, &rec.GameName, &rec.Won, &rec.CreatedAt); err != nil {
			return nil, storageErr("scan progress", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate progress", err)
	}
	return out, nil
}

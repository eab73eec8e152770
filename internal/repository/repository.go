// Package repository stores the game catalog, the AI provider configuration
// and player progress.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/park285/blackstories-bot/internal/domain"
)

// ErrStorage marks any failure of the backing store.
var ErrStorage = errors.New("storage error")

// Store is the full persistence surface the bot needs. Lookups return nil
// (and no error) when the row does not exist.
type Store interface {
	ListGames(ctx context.Context) ([]domain.Game, error)
	GetGame(ctx context.Context, id int64) (*domain.Game, error)

	ActiveAIConfig(ctx context.Context) (*domain.AIConfig, error)

	FindPlayerByPhone(ctx context.Context, phone string) (*domain.Player, error)
	CreatePlayer(ctx context.Context, p domain.NewPlayer) (*domain.Player, error)
	IncrementLevel(ctx context.Context, playerID int64) error
	RecordProgress(ctx context.Context, playerID int64, gameName string, won bool) error
	UpsertPlayedGame(ctx context.Context, playerID, gameID int64) error
	HasPlayed(ctx context.Context, playerID, gameID int64) (bool, error)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

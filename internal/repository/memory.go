package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/park285/blackstories-bot/internal/domain"
)

// Memory is a development-only Store used when no DATABASE_URL is configured.
type Memory struct {
	mu sync.RWMutex

	nextGameID   int64
	nextPlayerID int64
	nextRecordID int64

	games    map[int64]domain.Game
	players  map[int64]*domain.Player
	byPhone  map[string]int64
	progress []domain.ProgressRecord
	played   map[[2]int64]struct{}
	ai       *domain.AIConfig
}

func NewMemory() *Memory {
	return &Memory{
		games:   make(map[int64]domain.Game),
		players: make(map[int64]*domain.Player),
		byPhone: make(map[string]int64),
		played:  make(map[[2]int64]struct{}),
	}
}

// AddGame stores g under the next id (g.ID is ignored) and returns that id.
func (m *Memory) AddGame(g domain.Game) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextGameID++
	g.ID = m.nextGameID
	m.games[g.ID] = g
	return g.ID
}

// SetAIConfig replaces the active provider; nil clears it.
func (m *Memory) SetAIConfig(cfg *domain.AIConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg == nil {
		m.ai = nil
		return
	}
	c := *cfg
	m.ai = &c
}

func (m *Memory) ListGames(context.Context) ([]domain.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Game, 0, len(m.games))
	for _, g := range m.games {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetGame(_ context.Context, id int64) (*domain.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (m *Memory) ActiveAIConfig(context.Context) (*domain.AIConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ai == nil || !m.ai.IsActive {
		return nil, nil
	}
	c := *m.ai
	return &c, nil
}

func (m *Memory) FindPlayerByPhone(_ context.Context, phone string) (*domain.Player, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPhone[phone]
	if !ok {
		return nil, nil
	}
	p := *m.players[id]
	return &p, nil
}

func (m *Memory) CreatePlayer(_ context.Context, np domain.NewPlayer) (*domain.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byPhone[np.Phone]; exists {
		return nil, storageErr("insert player", fmt.Errorf("phone %s already registered", np.Phone))
	}
	m.nextPlayerID++
	p := &domain.Player{
		ID:        m.nextPlayerID,
		Login:     np.Login,
		Name:      np.Name,
		Phone:     np.Phone,
		Level:     1,
		CreatedAt: time.Now(),
	}
	m.players[p.ID] = p
	m.byPhone[p.Phone] = p.ID
	out := *p
	return &out, nil
}

func (m *Memory) IncrementLevel(_ context.Context, playerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[playerID]
	if !ok {
		return storageErr("increment level", fmt.Errorf("player %d not found", playerID))
	}
	p.Level++
	return nil
}

func (m *Memory) RecordProgress(_ context.Context, playerID int64, gameName string, won bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRecordID++
	m.progress = append(m.progress, domain.ProgressRecord{
		ID:        m.nextRecordID,
		PlayerID:  playerID,
		GameName:  gameName,
		Won:       won,
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *Memory) UpsertPlayedGame(_ context.Context, playerID, gameID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.played[[2]int64{playerID, gameID}] = struct{}{}
	return nil
}

func (m *Memory) HasPlayed(_ context.Context, playerID, gameID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.played[[2]int64{playerID, gameID}]
	return ok, nil
}

// Progress lists a player's records, newest first.
func (m *Memory) Progress(_ context.Context, playerID int64) ([]domain.ProgressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ProgressRecord, 0)
	for i := len(m.progress) - 1; i >= 0; i-- {
		if m.progress[i].PlayerID == playerID {
			out = append(out, m.progress[i])
		}
	}
	return out, nil
}

package domain

import "time"

// Game is a mystery from the catalog. Solution never leaves the oracle prompt.
type Game struct {
	ID       int64
	Name     string
	Prompt   string
	Solution string
	Image    string
}

type Player struct {
	ID        int64
	Login     string
	Name      string
	Phone     string
	Level     int
	CreatedAt time.Time
}

// NewPlayer carries the fields needed to register a WhatsApp player.
type NewPlayer struct {
	Login string
	Name  string
	Phone string
}

type ProgressRecord struct {
	ID        int64
	PlayerID  int64
	GameName  string
	Won       bool
	CreatedAt time.Time
}

// AIProvider is the closed set of oracle backends.
type AIProvider string

const (
	ProviderChatGPT AIProvider = "chatgpt"
	ProviderOllama  AIProvider = "ollama"
)

type AIConfig struct {
	Provider AIProvider
	APIKey   string
	BaseURL  string
	Model    string
	Prompt   string
	IsActive bool
}

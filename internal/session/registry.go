// Package session keeps the per-chat game sessions in memory.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/park285/blackstories-bot/internal/domain"
)

// ErrNoActiveSession is returned when a chat has no game to act on.
var ErrNoActiveSession = errors.New("no active session")

// GameSession is a game in progress for one chat. OriginChatID is the group a
// private game was started from; empty otherwise.
type GameSession struct {
	GameID         int64
	StoryName      string
	PublicPrompt   string
	SecretSolution string
	ImageRef       string
	OriginChatID   string
	Paused         bool
}

// Registry maps chat ids to at most one GameSession each. Mutations are
// atomic per call; callers that read-modify-write across calls hold Lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]GameSession
	locks    *keyLock
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]GameSession),
		locks:    newKeyLock(),
	}
}

// Lock serializes event handling for the given chats until the returned
// release func is called.
func (r *Registry) Lock(ctx context.Context, chatIDs ...string) (func(), error) {
	return r.locks.Lock(ctx, chatIDs...)
}

// Start replaces any session under chatID with a fresh, unpaused one.
func (r *Registry) Start(chatID string, game domain.Game, origin string) GameSession {
	s := GameSession{
		GameID:         game.ID,
		StoryName:      game.Name,
		PublicPrompt:   game.Prompt,
		SecretSolution: game.Solution,
		ImageRef:       game.Image,
		OriginChatID:   origin,
	}
	r.mu.Lock()
	r.sessions[chatID] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) Get(chatID string) (GameSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	return s, ok
}

// MoveToHere re-keys the author's private session under targetID and clears
// its origin. Any session already under targetID is overwritten.
func (r *Registry) MoveToHere(authorID, targetID string) (GameSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[authorID]
	if !ok {
		return GameSession{}, ErrNoActiveSession
	}
	delete(r.sessions, authorID)
	s.OriginChatID = ""
	r.sessions[targetID] = s
	return s, nil
}

// SetPaused reports whether the flag actually changed.
func (r *Registry) SetPaused(chatID string, paused bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	if !ok {
		return false, ErrNoActiveSession
	}
	if s.Paused == paused {
		return false, nil
	}
	s.Paused = paused
	r.sessions[chatID] = s
	return true, nil
}

// Remove reports whether a session existed.
func (r *Registry) Remove(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[chatID]; !ok {
		return false
	}
	delete(r.sessions, chatID)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

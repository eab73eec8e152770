// Package mystery routes chat messages to game commands and plays game turns
// against the oracle.
package mystery

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/blackstories-bot/internal/chatid"
	"github.com/park285/blackstories-bot/internal/command"
	"github.com/park285/blackstories-bot/internal/connection"
	"github.com/park285/blackstories-bot/internal/domain"
	"github.com/park285/blackstories-bot/internal/msgcat"
	"github.com/park285/blackstories-bot/internal/obslog"
	"github.com/park285/blackstories-bot/internal/session"
)

var (
	ErrGameNotFound = errors.New("game not found")
	ErrAlreadyWon   = errors.New("game already won by player")
)

// Messenger delivers replies. connection.Manager satisfies it.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string, opts connection.SendOptions) error
	Contact(ctx context.Context, id string) (connection.Contact, error)
}

// Catalog returns nil from GetGame when the id is unknown.
type Catalog interface {
	ListGames(ctx context.Context) ([]domain.Game, error)
	GetGame(ctx context.Context, id int64) (*domain.Game, error)
}

type PlayerStore interface {
	FindPlayerByPhone(ctx context.Context, phone string) (*domain.Player, error)
	CreatePlayer(ctx context.Context, p domain.NewPlayer) (*domain.Player, error)
	IncrementLevel(ctx context.Context, playerID int64) error
	RecordProgress(ctx context.Context, playerID int64, gameName string, won bool) error
	UpsertPlayedGame(ctx context.Context, playerID, gameID int64) error
	HasPlayed(ctx context.Context, playerID, gameID int64) (bool, error)
}

// Oracle is read once per turn: Active for the prompt, GenerateWith for the
// answer.
type Oracle interface {
	Active(ctx context.Context) (*domain.AIConfig, error)
	GenerateWith(ctx context.Context, cfg *domain.AIConfig, system, user string) (string, error)
}

// MediaResolver turns a game image ref into sendable media; nil for none.
type MediaResolver interface {
	Resolve(ref string) (*connection.Media, error)
}

type Deps struct {
	Messenger Messenger
	Catalog   Catalog
	Players   PlayerStore
	Oracle    Oracle
	Media     MediaResolver
	Texts     *msgcat.Catalog
	Sessions  *session.Registry
	// Allowed filters chats; nil allows all.
	Allowed func(chatID string) bool
}

type Service struct {
	msgs     Messenger
	catalog  Catalog
	players  PlayerStore
	oracle   Oracle
	media    MediaResolver
	texts    *msgcat.Catalog
	sessions *session.Registry
	allowed  func(string) bool
}

func NewService(d Deps) (*Service, error) {
	switch {
	case d.Messenger == nil:
		return nil, errors.New("mystery: messenger is required")
	case d.Catalog == nil:
		return nil, errors.New("mystery: catalog is required")
	case d.Players == nil:
		return nil, errors.New("mystery: player store is required")
	case d.Oracle == nil:
		return nil, errors.New("mystery: oracle is required")
	}
	s := &Service{
		msgs:     d.Messenger,
		catalog:  d.Catalog,
		players:  d.Players,
		oracle:   d.Oracle,
		media:    d.Media,
		texts:    d.Texts,
		sessions: d.Sessions,
		allowed:  d.Allowed,
	}
	if s.texts == nil {
		s.texts = msgcat.MustDefault()
	}
	if s.sessions == nil {
		s.sessions = session.NewRegistry()
	}
	if s.allowed == nil {
		s.allowed = func(string) bool { return true }
	}
	return s, nil
}

// Sessions exposes the registry for status reporting.
func (s *Service) Sessions() *session.Registry { return s.sessions }

// Handle is a connection.Handler.
func (s *Service) Handle(ctx context.Context, ev connection.Event) {
	log := obslog.L().With(zap.String("trace_id", uuid.NewString()))
	switch ev.Type {
	case connection.EventMessage:
		if ev.Message != nil {
			s.handleMessage(ctx, log, *ev.Message)
		}
	case connection.EventGroupJoin:
		if ev.Join != nil {
			s.welcome(ctx, log, *ev.Join)
		}
	}
}

func (s *Service) handleMessage(ctx context.Context, log *zap.Logger, msg connection.Message) {
	if msg.FromMe || msg.From == "" || !s.allowed(msg.From) {
		return
	}
	cmd := command.Parse(msg.Body, chatid.IsGroup(msg.From))
	log = log.With(
		zap.String("chat_id", msg.From),
		zap.String("command", cmd.Kind.String()),
	)

	release, err := s.sessions.Lock(ctx, lockKeys(cmd, msg)...)
	if err != nil {
		log.Warn("chat_lock_aborted", zap.Error(err))
		return
	}
	defer release()

	if err := s.dispatch(ctx, log, cmd, msg); err != nil {
		log.Error("command_failed", zap.Error(err))
		s.reply(ctx, log, msg, s.texts.Text("error.generic", nil))
	}
}

// lockKeys names every chat whose session the command may read or write.
func lockKeys(cmd command.Command, msg connection.Message) []string {
	sender := chatid.Sender(msg.From, msg.Author)
	switch cmd.Kind {
	case command.List, command.Help:
		return nil
	case command.Start:
		return []string{sender}
	case command.Here:
		return []string{sender, msg.From}
	default:
		return []string{msg.From}
	}
}

func (s *Service) dispatch(ctx context.Context, log *zap.Logger, cmd command.Command, msg connection.Message) error {
	switch cmd.Kind {
	case command.List:
		return s.listGames(ctx, log, msg)
	case command.Help:
		s.reply(ctx, log, msg, s.texts.Text("help", nil))
		return nil
	case command.Start:
		return s.startGame(ctx, log, msg, cmd.GameID, false)
	case command.StartHere:
		return s.startGame(ctx, log, msg, cmd.GameID, true)
	case command.Here:
		return s.moveHere(ctx, log, msg)
	case command.Pause:
		return s.setPaused(ctx, log, msg, true)
	case command.Resume:
		return s.setPaused(ctx, log, msg, false)
	case command.Stop:
		if s.sessions.Remove(msg.From) {
			s.reply(ctx, log, msg, s.texts.Text("stop.done", nil))
		} else {
			s.reply(ctx, log, msg, s.texts.Text("stop.none", nil))
		}
		return nil
	default:
		sess, ok := s.sessions.Get(msg.From)
		if !ok || sess.Paused {
			return nil
		}
		s.playTurn(ctx, log, msg, sess)
		return nil
	}
}

func (s *Service) setPaused(ctx context.Context, log *zap.Logger, msg connection.Message, paused bool) error {
	prefix := "resume"
	if paused {
		prefix = "pause"
	}
	changed, err := s.sessions.SetPaused(msg.From, paused)
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		s.reply(ctx, log, msg, s.texts.Text(prefix+".none", nil))
	case err != nil:
		return fmt.Errorf("set paused: %w", err)
	case !changed:
		s.reply(ctx, log, msg, s.texts.Text(prefix+".already", nil))
	default:
		s.reply(ctx, log, msg, s.texts.Text(prefix+".done", nil))
	}
	return nil
}

func (s *Service) listGames(ctx context.Context, log *zap.Logger, msg connection.Message) error {
	games, err := s.catalog.ListGames(ctx)
	if err != nil {
		return fmt.Errorf("list games: %w", err)
	}
	if len(games) == 0 {
		s.reply(ctx, log, msg, s.texts.Text("list.empty", nil))
		return nil
	}
	s.reply(ctx, log, msg, s.texts.Text("list.games", map[string]any{"Games": games}))
	return nil
}

func (s *Service) welcome(ctx context.Context, log *zap.Logger, join connection.GroupJoin) {
	if join.ChatID == "" || !s.allowed(join.ChatID) {
		return
	}
	name := s.texts.Text("welcome.default_name", nil)
	if len(join.Participants) > 0 {
		if c, err := s.msgs.Contact(ctx, join.Participants[0]); err != nil {
			log.Warn("welcome_contact_failed", zap.String("participant", join.Participants[0]), zap.Error(err))
		} else if c.PushName != "" {
			name = c.PushName
		}
	}
	s.send(ctx, log, join.ChatID, s.texts.Text("welcome.text", map[string]any{"Name": name}), connection.SendOptions{})
}

// displayName is the contact's push name, falling back to the phone.
func (s *Service) displayName(ctx context.Context, log *zap.Logger, id string) string {
	phone := chatid.Phone(id)
	c, err := s.msgs.Contact(ctx, id)
	if err != nil {
		log.Warn("contact_lookup_failed", zap.String("contact_id", id), zap.Error(err))
		return phone
	}
	if c.PushName != "" {
		return c.PushName
	}
	return phone
}

func (s *Service) reply(ctx context.Context, log *zap.Logger, msg connection.Message, text string) {
	s.send(ctx, log, msg.From, text, connection.SendOptions{QuotedID: msg.ID})
}

func (s *Service) send(ctx context.Context, log *zap.Logger, chatID, text string, opts connection.SendOptions) {
	if err := s.msgs.SendMessage(ctx, chatID, text, opts); err != nil {
		log.Error("send_failed", zap.String("to", chatID), zap.Error(err))
	}
}

package mystery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/blackstories-bot/internal/chatid"
	"github.com/park285/blackstories-bot/internal/connection"
	"github.com/park285/blackstories-bot/internal/domain"
	"github.com/park285/blackstories-bot/internal/session"
)

// startGame opens a session. From a group, /start keys the session by the
// author's private chat and only announces in the group; /starthere keys it
// by the current chat.
func (s *Service) startGame(ctx context.Context, log *zap.Logger, msg connection.Message, gameID int64, here bool) error {
	if !here && s.missingAuthor(ctx, log, msg) {
		return nil
	}
	sender := chatid.Sender(msg.From, msg.Author)

	game, err := s.loadStartable(ctx, chatid.Phone(sender), gameID)
	switch {
	case errors.Is(err, ErrAlreadyWon):
		s.reply(ctx, log, msg, s.texts.Text("start.already_won", nil))
		return nil
	case errors.Is(err, ErrGameNotFound):
		s.reply(ctx, log, msg, s.texts.Text("start.not_found", nil))
		return nil
	case err != nil:
		return err
	}

	if here {
		s.sessions.Start(msg.From, *game, "")
		s.sendIntro(ctx, log, msg.From, "start.intro_here", *game)
		return nil
	}

	if !chatid.IsGroup(msg.From) {
		s.sessions.Start(msg.From, *game, "")
		s.sendIntro(ctx, log, msg.From, "start.intro", *game)
		return nil
	}

	s.sessions.Start(sender, *game, msg.From)
	announce := s.texts.Text("start.group_announce", map[string]any{
		"User": s.displayName(ctx, log, sender),
		"Game": game.Name,
	})
	s.send(ctx, log, msg.From, announce, connection.SendOptions{})
	s.sendIntro(ctx, log, sender, "start.intro", *game)
	return nil
}

// loadStartable applies the already-won policy, then loads the game.
func (s *Service) loadStartable(ctx context.Context, phone string, gameID int64) (*domain.Game, error) {
	player, err := s.players.FindPlayerByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("find player: %w", err)
	}
	if player != nil {
		won, err := s.players.HasPlayed(ctx, player.ID, gameID)
		if err != nil {
			return nil, fmt.Errorf("check played: %w", err)
		}
		if won {
			return nil, ErrAlreadyWon
		}
	}

	game, err := s.catalog.GetGame(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("get game: %w", err)
	}
	if game == nil {
		return nil, ErrGameNotFound
	}
	return game, nil
}

// sendIntro sends the public prompt with the cover when one resolves, and
// plain text otherwise.
func (s *Service) sendIntro(ctx context.Context, log *zap.Logger, chatID, key string, game domain.Game) {
	text := s.texts.Text(key, map[string]any{"Game": game.Name, "Prompt": game.Prompt})

	if s.media != nil && game.Image != "" {
		m, err := s.media.Resolve(game.Image)
		if err != nil {
			log.Warn("intro_image_unavailable", zap.Int64("game_id", game.ID), zap.String("image", game.Image), zap.Error(err))
		}
		if m != nil {
			err = s.msgs.SendMessage(ctx, chatID, text, connection.SendOptions{Media: m})
			if err == nil {
				return
			}
			log.Warn("intro_image_send_failed", zap.Int64("game_id", game.ID), zap.Error(err))
		}
	}
	s.send(ctx, log, chatID, text, connection.SendOptions{})
}

func (s *Service) moveHere(ctx context.Context, log *zap.Logger, msg connection.Message) error {
	if s.missingAuthor(ctx, log, msg) {
		return nil
	}
	author := chatid.Sender(msg.From, msg.Author)
	sess, err := s.sessions.MoveToHere(author, msg.From)
	if errors.Is(err, session.ErrNoActiveSession) {
		s.reply(ctx, log, msg, s.texts.Text("here.none", nil))
		return nil
	}
	if err != nil {
		return fmt.Errorf("move session: %w", err)
	}
	s.reply(ctx, log, msg, s.texts.Text("here.moved", map[string]any{"Game": sess.StoryName}))
	return nil
}

// missingAuthor answers group messages that carry no author. Without one the
// private chat cannot be told apart from the group.
func (s *Service) missingAuthor(ctx context.Context, log *zap.Logger, msg connection.Message) bool {
	if !chatid.IsGroup(msg.From) || strings.TrimSpace(msg.Author) != "" {
		return false
	}
	log.Warn("group_message_without_author")
	s.reply(ctx, log, msg, s.texts.Text("error.generic", nil))
	return true
}

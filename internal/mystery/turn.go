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
	"github.com/park285/blackstories-bot/internal/oracle"
	"github.com/park285/blackstories-bot/internal/session"
)

const (
	defaultNarrator = "Você é um narrador de Black Stories."

	// WinMarker is the substring that makes a reply count as a solve. It is
	// trusted as-is; the oracle has no structured verdict.
	WinMarker = "PARABÉNS"
)

// BuildSystemPrompt embeds the story, its secret solution and the judging
// rules under the configured narrator instructions.
func BuildSystemPrompt(base, publicPrompt, solution string) string {
	if strings.TrimSpace(base) == "" {
		base = defaultNarrator
	}
	var b strings.Builder
	b.WriteString(base)
	fmt.Fprintf(&b, "\n\nO mistério (o que todos sabem) é: \"%s\".\n", publicPrompt)
	fmt.Fprintf(&b, "A solução secreta (que só você sabe) é: \"%s\".\n\n", solution)
	b.WriteString("Instruções:\n")
	b.WriteString(`1. Responda apenas "Sim", "Não" ou "Irrelevante" para perguntas sobre o mistério.` + "\n")
	b.WriteString(`2. Se o usuário fornecer uma descrição que bata com a solução secreta, responda com "PARABÉNS! VOCÊ RESOLVEU O MISTÉRIO!" e dê uma breve explicação final de como tudo aconteceu.` + "\n")
	b.WriteString("3. Seja rigoroso. Não dê dicas extras a menos que seja estritamente necessário para o fluxo do jogo.")
	return b.String()
}

func IsWin(reply string) bool {
	return strings.Contains(reply, WinMarker)
}

// playTurn asks the oracle about msg and replies with its raw answer. A
// failed call leaves the session untouched so the player can ask again.
func (s *Service) playTurn(ctx context.Context, log *zap.Logger, msg connection.Message, sess session.GameSession) {
	log = log.With(zap.Int64("game_id", sess.GameID))

	cfg, err := s.oracle.Active(ctx)
	if err != nil {
		s.turnFailed(ctx, log, msg, err)
		return
	}
	system := BuildSystemPrompt(cfg.Prompt, sess.PublicPrompt, sess.SecretSolution)
	answer, err := s.oracle.GenerateWith(ctx, cfg, system, msg.Body)
	if err != nil {
		s.turnFailed(ctx, log, msg, err)
		return
	}

	s.reply(ctx, log, msg, answer)
	if !IsWin(answer) {
		return
	}

	s.sessions.Remove(msg.From)
	sender := chatid.Sender(msg.From, msg.Author)
	name := s.displayName(ctx, log, sender)
	if err := s.recordWin(ctx, sender, name, sess); err != nil {
		log.Error("turn_win_record_failed", zap.Error(err))
	}
	log.Info("turn_win", zap.String("player", chatid.Phone(sender)))

	announce := s.texts.Text("win.announce", map[string]any{"User": name, "Game": sess.StoryName})
	switch {
	case sess.OriginChatID != "":
		s.send(ctx, log, sess.OriginChatID, announce, connection.SendOptions{})
	case chatid.IsGroup(msg.From):
		s.send(ctx, log, msg.From, announce, connection.SendOptions{})
	}
}

// recordWin resolves or creates the player, then appends progress and the
// played-game marker. It stops at the first failure.
func (s *Service) recordWin(ctx context.Context, sender, name string, sess session.GameSession) error {
	phone := chatid.Phone(sender)
	player, err := s.players.FindPlayerByPhone(ctx, phone)
	if err != nil {
		return fmt.Errorf("find player: %w", err)
	}
	if player == nil {
		player, err = s.players.CreatePlayer(ctx, domain.NewPlayer{
			Login: "wa_" + phone,
			Name:  name,
			Phone: phone,
		})
		if err != nil {
			return fmt.Errorf("create player: %w", err)
		}
	} else if err := s.players.IncrementLevel(ctx, player.ID); err != nil {
		return fmt.Errorf("increment level: %w", err)
	}

	if err := s.players.RecordProgress(ctx, player.ID, sess.StoryName, true); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	if err := s.players.UpsertPlayedGame(ctx, player.ID, sess.GameID); err != nil {
		return fmt.Errorf("upsert played game: %w", err)
	}
	return nil
}

func (s *Service) turnFailed(ctx context.Context, log *zap.Logger, msg connection.Message, err error) {
	reason, ok := s.oracleReason(err)
	if !ok {
		log.Error("turn_failed", zap.Error(err))
		s.reply(ctx, log, msg, s.texts.Text("error.generic", nil))
		return
	}
	log.Warn("turn_oracle_error", zap.Error(err))
	s.reply(ctx, log, msg, s.texts.Text("error.ai", map[string]any{"Error": reason}))
}

// oracleReason maps oracle failures to a player-facing explanation.
func (s *Service) oracleReason(err error) (string, bool) {
	var rej *oracle.RejectedError
	switch {
	case errors.Is(err, oracle.ErrNoActiveProvider):
		return s.texts.Text("error.ai_no_provider", nil), true
	case errors.Is(err, oracle.ErrProviderUnavailable):
		return s.texts.Text("error.ai_unavailable", nil), true
	case errors.As(err, &rej) && rej.Model != "":
		return s.texts.Text("error.ai_model_not_found", map[string]any{"Model": rej.Model}), true
	case errors.As(err, &rej) && rej.Status == 0:
		return s.texts.Text("error.ai_unknown_provider", nil), true
	case errors.Is(err, oracle.ErrProviderRejected):
		return s.texts.Text("error.ai_rejected", nil), true
	default:
		return "", false
	}
}

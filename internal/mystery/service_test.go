package mystery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/blackstories-bot/internal/connection"
	"github.com/park285/blackstories-bot/internal/domain"
	"github.com/park285/blackstories-bot/internal/oracle"
	"github.com/park285/blackstories-bot/internal/repository"
)

const (
	group  = "120363@g.us"
	alice  = "5511999@c.us"
	bob    = "5511888@c.us"
	secret = "o mordomo envenenou o chá"
)

type sent struct {
	ChatID string
	Text   string
	Opts   connection.SendOptions
}

type fakeMessenger struct {
	mu        sync.Mutex
	sent      []sent
	contacts  map[string]connection.Contact
	failMedia bool
}

func (f *fakeMessenger) SendMessage(_ context.Context, chatID, text string, opts connection.SendOptions) error {
	if f.failMedia && opts.Media != nil {
		return errors.New("media rejected")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{ChatID: chatID, Text: text, Opts: opts})
	return nil
}

func (f *fakeMessenger) Contact(_ context.Context, id string) (connection.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	if !ok {
		return connection.Contact{}, errors.New("unknown contact")
	}
	return c, nil
}

func (f *fakeMessenger) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func (f *fakeMessenger) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// stubOracle answers the win marker when the question contains the secret.
type stubOracle struct {
	mu        sync.Mutex
	activeErr error
	genErr    error
	systems   []string
	calls     atomic.Int32
	hook      func()
}

func (o *stubOracle) Active(context.Context) (*domain.AIConfig, error) {
	if o.activeErr != nil {
		return nil, o.activeErr
	}
	return &domain.AIConfig{Provider: domain.ProviderOllama, Prompt: "Narrador sombrio."}, nil
}

func (o *stubOracle) GenerateWith(_ context.Context, _ *domain.AIConfig, system, user string) (string, error) {
	o.calls.Add(1)
	if o.hook != nil {
		o.hook()
	}
	o.mu.Lock()
	o.systems = append(o.systems, system)
	o.mu.Unlock()
	if o.genErr != nil {
		return "", o.genErr
	}
	if strings.Contains(user, "mordomo") {
		return "PARABÉNS! VOCÊ RESOLVEU O MISTÉRIO! Foi o mordomo.", nil
	}
	return "Não.", nil
}

type stubMedia struct {
	media *connection.Media
	err   error
}

func (m stubMedia) Resolve(string) (*connection.Media, error) { return m.media, m.err }

type harness struct {
	svc    *Service
	msgs   *fakeMessenger
	repo   *repository.Memory
	oracle *stubOracle
	gameID int64
}

func newHarness(t *testing.T, opts ...func(*Deps)) *harness {
	t.Helper()
	repo := repository.NewMemory()
	id := repo.AddGame(domain.Game{Name: "O Chá", Prompt: "Um homem morre após o chá.", Solution: secret, Image: "cha.png"})
	h := &harness{
		msgs: &fakeMessenger{contacts: map[string]connection.Contact{
			alice: {ID: alice, PushName: "Alice"},
		}},
		repo:   repo,
		oracle: &stubOracle{},
		gameID: id,
	}
	d := Deps{Messenger: h.msgs, Catalog: repo, Players: repo, Oracle: h.oracle}
	for _, opt := range opts {
		opt(&d)
	}
	svc, err := NewService(d)
	require.NoError(t, err)
	h.svc = svc
	return h
}

var msgSeq atomic.Int64

func (h *harness) say(from, author, body string) connection.Message {
	msg := connection.Message{
		ID:     fmt.Sprintf("msg-%d", msgSeq.Add(1)),
		From:   from,
		Author: author,
		Body:   body,
	}
	h.svc.Handle(context.Background(), connection.Event{Type: connection.EventMessage, Message: &msg})
	return msg
}

func (h *harness) to(chatID string) []sent {
	var out []sent
	for _, s := range h.msgs.all() {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

func TestNewServiceRequiresDeps(t *testing.T) {
	repo := repository.NewMemory()
	_, err := NewService(Deps{Catalog: repo, Players: repo, Oracle: &stubOracle{}})
	assert.Error(t, err)
	_, err = NewService(Deps{Messenger: &fakeMessenger{}, Players: repo, Oracle: &stubOracle{}})
	assert.Error(t, err)
	_, err = NewService(Deps{Messenger: &fakeMessenger{}, Catalog: repo, Oracle: &stubOracle{}})
	assert.Error(t, err)
	_, err = NewService(Deps{Messenger: &fakeMessenger{}, Catalog: repo, Players: repo})
	assert.Error(t, err)
}

func TestStartInGroupKeepsSecretsPrivate(t *testing.T) {
	h := newHarness(t)
	h.say(group, alice, fmt.Sprintf("/start %d", h.gameID))

	inGroup := h.to(group)
	require.Len(t, inGroup, 1)
	assert.Contains(t, inGroup[0].Text, "@Alice")
	assert.Contains(t, inGroup[0].Text, "O Chá")
	assert.NotContains(t, inGroup[0].Text, "Um homem morre")
	assert.NotContains(t, inGroup[0].Text, secret)

	private := h.to(alice)
	require.Len(t, private, 1)
	assert.Contains(t, private[0].Text, "Um homem morre após o chá.")
	assert.NotContains(t, private[0].Text, secret)
	assert.Empty(t, private[0].Opts.QuotedID)

	sess, ok := h.svc.Sessions().Get(alice)
	require.True(t, ok)
	assert.Equal(t, group, sess.OriginChatID)
	_, ok = h.svc.Sessions().Get(group)
	assert.False(t, ok)
}

func TestStartPrivate(t *testing.T) {
	h := newHarness(t)
	h.say(alice, "", fmt.Sprintf("/start %d", h.gameID))

	sess, ok := h.svc.Sessions().Get(alice)
	require.True(t, ok)
	assert.Empty(t, sess.OriginChatID)
	require.Len(t, h.msgs.all(), 1)
	assert.Contains(t, h.msgs.all()[0].Text, "Jogo Iniciado")
}

func TestStartHereInGroup(t *testing.T) {
	h := newHarness(t)
	h.say(group, alice, fmt.Sprintf("/starthere %d", h.gameID))

	_, ok := h.svc.Sessions().Get(group)
	assert.True(t, ok)
	_, ok = h.svc.Sessions().Get(alice)
	assert.False(t, ok)
	inGroup := h.to(group)
	require.Len(t, inGroup, 1)
	assert.Contains(t, inGroup[0].Text, "AQUI")
}

func TestStartUnknownGame(t *testing.T) {
	h := newHarness(t)
	h.say(alice, "", "/start 999")
	require.Len(t, h.msgs.all(), 1)
	assert.Equal(t, "Jogo não encontrado.", h.msgs.all()[0].Text)
	assert.Zero(t, h.svc.Sessions().Len())
}

func TestStartWithoutIDListsGames(t *testing.T) {
	h := newHarness(t)
	h.say(alice, "", "/start")
	require.Len(t, h.msgs.all(), 1)
	assert.Contains(t, h.msgs.all()[0].Text, fmt.Sprintf("ID %d: O Chá", h.gameID))
}

func TestWinFlowFromGroupStart(t *testing.T) {
	h := newHarness(t)
	h.say(group, alice, fmt.Sprintf("/start %d", h.gameID))
	h.msgs.reset()

	q := h.say(alice, "", "foi veneno?")
	replies := h.to(alice)
	require.Len(t, replies, 1)
	assert.Equal(t, "Não.", replies[0].Text)
	assert.Equal(t, q.ID, replies[0].Opts.QuotedID)
	h.msgs.reset()

	win := h.say(alice, "", "o mordomo colocou algo no chá")
	replies = h.to(alice)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, WinMarker)
	assert.Equal(t, win.ID, replies[0].Opts.QuotedID)

	announce := h.to(group)
	require.Len(t, announce, 1)
	assert.Contains(t, announce[0].Text, "@Alice venceu o jogo *O Chá*")

	_, ok := h.svc.Sessions().Get(alice)
	assert.False(t, ok)

	ctx := context.Background()
	p, err := h.repo.FindPlayerByPhone(ctx, "5511999")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "wa_5511999", p.Login)
	assert.Equal(t, "Alice", p.Name)
	assert.Equal(t, 1, p.Level)

	recs, err := h.repo.Progress(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "O Chá", recs[0].GameName)
	assert.True(t, recs[0].Won)

	played, err := h.repo.HasPlayed(ctx, p.ID, h.gameID)
	require.NoError(t, err)
	assert.True(t, played)

	h.msgs.reset()
	h.say(alice, "", fmt.Sprintf("/start %d", h.gameID))
	require.Len(t, h.msgs.all(), 1)
	assert.Contains(t, h.msgs.all()[0].Text, "Você já venceu")
	h.say(group, alice, fmt.Sprintf("/starthere %d", h.gameID))
	assert.Zero(t, h.svc.Sessions().Len())
}

func TestWinInGroupAnnouncesThere(t *testing.T) {
	h := newHarness(t)
	h.say(group, alice, fmt.Sprintf("/starthere %d", h.gameID))
	h.msgs.reset()

	h.say(group, bob, "o mordomo!")
	inGroup := h.to(group)
	require.Len(t, inGroup, 2)
	assert.Contains(t, inGroup[0].Text, WinMarker)
	// bob has no contact entry, so the phone stands in for the name.
	assert.Contains(t, inGroup[1].Text, "@5511888")

	p, err := h.repo.FindPlayerByPhone(context.Background(), "5511888")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "5511888", p.Name)
}

func TestWinInPrivateHasNoAnnouncement(t *testing.T) {
	h := newHarness(t)
	h.say(alice, "", fmt.Sprintf("/start %d", h.gameID))
	h.msgs.reset()

	h.say(alice, "", "o mordomo")
	require.Len(t, h.msgs.all(), 1)
	assert.Equal(t, alice, h.msgs.all()[0].ChatID)
}

func TestSecondWinIncrementsLevel(t *testing.T) {
	h := newHarness(t)
	other := h.repo.AddGame(domain.Game{Name: "O Farol", Prompt: "Luz apagada.", Solution: "mordomo"})

	h.say(alice, "", fmt.Sprintf("/start %d", h.gameID))
	h.say(alice, "", "o mordomo")
	h.say(alice, "", fmt.Sprintf("/start %d", other))
	h.say(alice, "", "o mordomo")

	ctx := context.Background()
	p, err := h.repo.FindPlayerByPhone(ctx, "5511999")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Level)
	recs, err := h.repo.Progress(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestSystemPromptCarriesSolution(t *testing.T) {
	h := newHarness(t)
	h.say(alice, "", fmt.Sprintf("/start %d", h.gameID))
	h.say(alice, "", "foi de noite?")

	require.Len(t, h.oracle.systems, 1)
	sys := h.oracle.systems[0]
	assert.True(t, strings.HasPrefix(sys, "Narrador sombrio.\n\n"))
	assert.Contains(t, sys, `O mistério (o que todos sabem) é: "Um homem morre após o chá."`)
	assert.Contains(t, sys, `A solução secreta (que só você sabe) é: "`+secret+`"`)
}

func TestBuildSystemPromptDefaultNarrator(t *testing.T) {
	sys := BuildSystemPrompt("  ", "p", "s")
	assert.True(t, strings.HasPrefix(sys, "Você é um narrador de Black Stories.\n\n"))
	assert.True(t, strings.HasSuffix(sys, "estritamente necessário para o fluxo do jogo."))
}

func TestIsWin(t *testing.T) {
	assert.True(t, IsWin("PARABÉNS! VOCÊ RESOLVEU O MISTÉRIO!"))
	assert.True(t, IsWin("Quase... não, PARABÉNS mesmo."))
	assert.False(t, IsWin("parabéns"))
	assert.False(t, IsWin("Sim."))
}

func TestOracleErrorsKeepSession(t *testing.T) {
	cases := []struct {
		name      string
		activeErr error
		genErr    error
		want      string
	}{
		{"no provider", oracle.ErrNoActiveProvider, nil, "❌ Erro na IA: Nenhuma configuração de IA ativa encontrada."},
		{"unavailable", nil, oracle.ErrProviderUnavailable, "❌ Erro na IA: Falha ao comunicar com o provedor de IA."},
		{"model missing", nil, &oracle.RejectedError{Provider: domain.ProviderOllama, Model: "llama3", Status: 404}, "❌ Erro na IA: Modelo llama3 não encontrado no provedor."},
		{"unknown provider", nil, &oracle.RejectedError{Provider: "gemini"}, "❌ Erro na IA: Provedor de IA desconhecido."},
		{"rejected", nil, &oracle.RejectedError{Provider: domain.ProviderChatGPT, Status: 401}, "❌ Erro na IA: O provedor de IA recusou a requisição."},
		{"store failure", fmt.Errorf("load ai config: %w", repository.ErrStorage), nil, "Ops, tive um probleminha para processar sua mensagem. Tente novamente."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.oracle.activeErr = tc.activeErr
			h.oracle.genErr = tc.genErr
			h.say(alice, "", fmt.Sprintf("/start %d", h.gameID))
			h.msgs.reset()

			q := h.say(alice, "", "o mordomo?")
			require.Len(t, h.msgs.all(), 1)
			assert.Equal(t, tc.want, h.msgs.all()[0].Text)
			assert.Equal(t, q.ID, h.msgs.all()[0].Opts.QuotedID)
			_, ok := h.svc.Sessions().Get(alice)
			assert.True(t, ok)
		})
	}
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	h.say(alice, "", "/pause")
	h.say(alice, "", fmt.Sprintf("/start %d", h.gameID))
	h.msgs.reset()

	h.say(alice, "", "/pause")
	h.say(alice, "", "/pause")
	h.say(alice, "", "foi veneno?")
	h.say(alice, "", "/resume")
	h.say(alice, "", "/resume")

	texts := make([]string, 0, 4)
	for _, s := range h.msgs.all() {
		texts = append(texts, s.Text)
	}
	require.Len(t, texts, 4)
	assert.Contains(t, texts[0], "Jogo pausado")
	assert.Contains(t, texts[1], "já está pausado")
	assert.Contains(t, texts[2], "Jogo retomado")
	assert.Equal(t, "O jogo já está em andamento.", texts[3])
	assert.Zero(t, h.oracle.calls.Load())
}

func TestPauseWithoutSession(t *testing.T) {
	h := newHarness(t)
	h.say(alice, "", "/pause")
	h.say(alice, "", "/resume")
	all := h.msgs.all()
	require.Len(t, all, 2)
	assert.Equal(t, "Não há nenhum jogo ativo para pausar.", all[0].Text)
	assert.Equal(t, "Não há nenhum jogo ativo para retomar.", all[1].Text)
}

func TestFreeTextWithoutSessionIgnored(t *testing.T) {
	h := newHarness(t)
	h.say(alice, "", "oi, tudo bem?")
	h.say(group, bob, "bom dia")
	assert.Empty(t, h.msgs.all())
	assert.Zero(t, h.oracle.calls.Load())
}

func TestHereMovesPrivateGameToGroup(t *testing.T) {
	h := newHarness(t)
	h.say(group, alice, fmt.Sprintf("/start %d", h.gameID))
	h.msgs.reset()

	q := h.say(group, alice, "/here")
	inGroup := h.to(group)
	require.Len(t, inGroup, 1)
	assert.Contains(t, inGroup[0].Text, "agora está acontecendo AQUI")
	assert.Equal(t, q.ID, inGroup[0].Opts.QuotedID)

	sess, ok := h.svc.Sessions().Get(group)
	require.True(t, ok)
	assert.Empty(t, sess.OriginChatID)
	_, ok = h.svc.Sessions().Get(alice)
	assert.False(t, ok)

	h.msgs.reset()
	h.say(group, bob, "foi à noite?")
	require.Len(t, h.to(group), 1)
	assert.Equal(t, "Não.", h.to(group)[0].Text)
}

func TestHereWithoutSession(t *testing.T) {
	h := newHarness(t)
	h.say(group, alice, "/here")
	require.Len(t, h.msgs.all(), 1)
	assert.Contains(t, h.msgs.all()[0].Text, "Você não tem um jogo ativo")
}

func TestHereInPrivateIsPlainText(t *testing.T) {
	h := newHarness(t)
	h.say(alice, "", fmt.Sprintf("/start %d", h.gameID))
	h.msgs.reset()
	h.say(alice, "", "/here")
	require.Len(t, h.msgs.all(), 1)
	assert.Equal(t, "Não.", h.msgs.all()[0].Text)
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	h.say(alice, "", fmt.Sprintf("/start %d", h.gameID))
	h.msgs.reset()

	h.say(alice, "", "/sair")
	h.say(alice, "", "/stop")
	all := h.msgs.all()
	require.Len(t, all, 2)
	assert.Equal(t, "Jogo encerrado.", all[0].Text)
	assert.Equal(t, "Não há nenhum jogo ativo neste chat.", all[1].Text)
	assert.Zero(t, h.svc.Sessions().Len())
}

func TestListAndHelp(t *testing.T) {
	h := newHarness(t)
	h.say(alice, "", "/list")
	h.say(alice, "", "/ajuda")
	all := h.msgs.all()
	require.Len(t, all, 2)
	assert.Contains(t, all[0].Text, fmt.Sprintf("ID %d: O Chá", h.gameID))
	assert.Contains(t, all[1].Text, "/starthere")

	empty := repository.NewMemory()
	msgs := &fakeMessenger{}
	svc, err := NewService(Deps{Messenger: msgs, Catalog: empty, Players: empty, Oracle: &stubOracle{}})
	require.NoError(t, err)
	msg := connection.Message{ID: "x", From: alice, Body: "/list"}
	svc.Handle(context.Background(), connection.Event{Type: connection.EventMessage, Message: &msg})
	require.Len(t, msgs.all(), 1)
	assert.Equal(t, "Não há jogos cadastrados no momento.", msgs.all()[0].Text)
}

func TestWelcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.Handle(ctx, connection.Event{Type: connection.EventGroupJoin, Join: &connection.GroupJoin{ChatID: group, Participants: []string{alice}}})
	h.svc.Handle(ctx, connection.Event{Type: connection.EventGroupJoin, Join: &connection.GroupJoin{ChatID: group, Participants: []string{bob}}})
	h.svc.Handle(ctx, connection.Event{Type: connection.EventGroupJoin})

	all := h.to(group)
	require.Len(t, all, 2)
	assert.Contains(t, all[0].Text, "Olá Alice!")
	assert.Contains(t, all[1].Text, "Olá novo usuário!")
}

func TestIgnoredMessages(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Allowed = func(id string) bool { return id != bob }
	})
	ctx := context.Background()
	own := connection.Message{ID: "own", From: alice, Body: "/list", FromMe: true}
	h.svc.Handle(ctx, connection.Event{Type: connection.EventMessage, Message: &own})
	h.svc.Handle(ctx, connection.Event{Type: connection.EventMessage})
	h.say("", "", "/list")
	h.say(bob, "", "/list")
	assert.Empty(t, h.msgs.all())

	h.say(alice, "", "/list")
	assert.Len(t, h.msgs.all(), 1)
}

func TestIntroWithImage(t *testing.T) {
	media := &connection.Media{MimeType: "image/png", Data: "aGk=", Filename: "cha.png"}
	h := newHarness(t, func(d *Deps) { d.Media = stubMedia{media: media} })
	h.say(alice, "", fmt.Sprintf("/start %d", h.gameID))

	require.Len(t, h.msgs.all(), 1)
	assert.Equal(t, media, h.msgs.all()[0].Opts.Media)
}

func TestIntroFallsBackToText(t *testing.T) {
	t.Run("send rejected", func(t *testing.T) {
		h := newHarness(t, func(d *Deps) {
			d.Media = stubMedia{media: &connection.Media{URL: "https://cdn.example.com/cha.png"}}
		})
		h.msgs.failMedia = true
		h.say(alice, "", fmt.Sprintf("/start %d", h.gameID))
		require.Len(t, h.msgs.all(), 1)
		assert.Nil(t, h.msgs.all()[0].Opts.Media)
		assert.Contains(t, h.msgs.all()[0].Text, "Um homem morre")
	})
	t.Run("resolve failed", func(t *testing.T) {
		h := newHarness(t, func(d *Deps) { d.Media = stubMedia{err: errors.New("missing")} })
		h.say(alice, "", fmt.Sprintf("/start %d", h.gameID))
		require.Len(t, h.msgs.all(), 1)
		assert.Nil(t, h.msgs.all()[0].Opts.Media)
	})
}

func TestSameChatTurnsSerialized(t *testing.T) {
	h := newHarness(t)
	h.say(alice, "", fmt.Sprintf("/start %d", h.gameID))

	var inFlight, peak atomic.Int32
	h.oracle.hook = func() {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.say(alice, "", "foi veneno?")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), h.oracle.calls.Load())
	assert.Equal(t, int32(1), peak.Load())
}

func TestConcurrentWinRecordedOnce(t *testing.T) {
	h := newHarness(t)
	h.say(alice, "", fmt.Sprintf("/start %d", h.gameID))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.say(alice, "", "o mordomo")
		}()
	}
	wg.Wait()

	ctx := context.Background()
	p, err := h.repo.FindPlayerByPhone(ctx, "5511999")
	require.NoError(t, err)
	require.NotNil(t, p)
	recs, err := h.repo.Progress(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, int32(1), h.oracle.calls.Load())
}

// bridgeClient is a connection.Client whose events are pushed by the test.
type bridgeClient struct {
	fakeMessenger
	onEvent func(connection.Event)
}

func (c *bridgeClient) Connect(context.Context) error     { return nil }
func (c *bridgeClient) OnEvent(fn func(connection.Event)) { c.onEvent = fn }
func (c *bridgeClient) Close(context.Context) error       { return nil }

func (c *bridgeClient) RequestPairingCode(context.Context, string) (string, error) {
	return "", nil
}

func (c *bridgeClient) push(from, body string) {
	c.onEvent(connection.Event{Type: connection.EventMessage, Message: &connection.Message{
		ID:   fmt.Sprintf("msg-%d", msgSeq.Add(1)),
		From: from,
		Body: body,
	}})
}

// runThroughManager wires the service behind a real connection.Manager and
// pushes bodies for alice back to back, as the bridge would.
func runThroughManager(t *testing.T, bodies ...string) (*repository.Memory, *stubOracle) {
	t.Helper()
	repo := repository.NewMemory()
	id := repo.AddGame(domain.Game{Name: "O Chá", Prompt: "Um homem morre após o chá.", Solution: secret})
	client := &bridgeClient{}
	orc := &stubOracle{}
	m := connection.NewManager(client, nil)
	svc, err := NewService(Deps{Messenger: m, Catalog: repo, Players: repo, Oracle: orc})
	require.NoError(t, err)
	m.HandleFunc(svc.Handle)

	client.push(alice, fmt.Sprintf("/start %d", id))
	for _, b := range bodies {
		client.push(alice, b)
	}
	require.NoError(t, m.Close(context.Background()))
	return repo, orc
}

func TestPauseThenQuestionKeepsArrivalOrder(t *testing.T) {
	for i := 0; i < 100; i++ {
		_, orc := runThroughManager(t, "/pause", "foi veneno?")
		require.Zero(t, orc.calls.Load(), "oracle called after /pause (run %d)", i)
	}
}

func TestStopThenGuessRecordsNothing(t *testing.T) {
	for i := 0; i < 100; i++ {
		repo, orc := runThroughManager(t, "/sair", "o mordomo")
		require.Zero(t, orc.calls.Load(), "run %d", i)
		p, err := repo.FindPlayerByPhone(context.Background(), "5511999")
		require.NoError(t, err)
		require.Nil(t, p, "run %d", i)
	}
}

// failingPlayers breaks progress writes on top of a working store.
type failingPlayers struct {
	*repository.Memory
}

func (failingPlayers) RecordProgress(context.Context, int64, string, bool) error {
	return fmt.Errorf("insert progress: %w", repository.ErrStorage)
}

func TestWinStorageFailureStaysSilent(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Players = failingPlayers{d.Catalog.(*repository.Memory)}
	})
	h.say(group, alice, fmt.Sprintf("/start %d", h.gameID))
	h.msgs.reset()

	h.say(alice, "", "o mordomo")

	private := h.to(alice)
	require.Len(t, private, 1)
	assert.Contains(t, private[0].Text, WinMarker)
	for _, s := range h.msgs.all() {
		assert.NotContains(t, s.Text, "Ops, tive um probleminha")
	}
	inGroup := h.to(group)
	require.Len(t, inGroup, 1)
	assert.Contains(t, inGroup[0].Text, "@Alice venceu")
	_, ok := h.svc.Sessions().Get(alice)
	assert.False(t, ok)
}

func TestGroupCommandsNeedAuthor(t *testing.T) {
	h := newHarness(t)
	h.say(group, "", fmt.Sprintf("/start %d", h.gameID))
	h.say(group, "", "/here")

	all := h.msgs.all()
	require.Len(t, all, 2)
	for _, s := range all {
		assert.Equal(t, group, s.ChatID)
		assert.Equal(t, "Ops, tive um probleminha para processar sua mensagem. Tente novamente.", s.Text)
		assert.NotContains(t, s.Text, "Um homem morre")
	}
	assert.Zero(t, h.svc.Sessions().Len())
}

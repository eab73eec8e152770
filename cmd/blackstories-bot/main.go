package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	qrcode "github.com/skip2/go-qrcode"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	appcfg "github.com/park285/blackstories-bot/internal/config"
	"github.com/park285/blackstories-bot/internal/connection"
	"github.com/park285/blackstories-bot/internal/media"
	"github.com/park285/blackstories-bot/internal/msgcat"
	"github.com/park285/blackstories-bot/internal/mystery"
	"github.com/park285/blackstories-bot/internal/obslog"
	"github.com/park285/blackstories-bot/internal/oracle"
	"github.com/park285/blackstories-bot/internal/repository"
	"github.com/park285/blackstories-bot/internal/sessionsink"
	"github.com/park285/blackstories-bot/internal/wabridge"
)

type store interface {
	repository.Store
	Close() error
}

type nopCloser struct{ *repository.Memory }

func (nopCloser) Close() error { return nil }

func main() {
	configDir := flag.String("config", "", "directory holding config.yaml")
	pairPhone := flag.String("pair", "", "request a pairing code for this phone instead of scanning the QR")
	flag.Parse()

	// .env is optional; real env vars win.
	_ = godotenv.Load()

	cfg, err := appcfg.Load(*configDir)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.Init(cfg.Log); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store_init_failed", zap.Error(err))
	}
	defer func() { _ = repo.Close() }()

	sinks := sinkList{&qrPrinter{}}
	if cfg.RedisURL != "" {
		rs, err := sessionsink.Open(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis_init_failed", zap.Error(err))
		}
		defer func() { _ = rs.Close() }()
		sinks = append(sinks, rs)
	}

	texts, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("messages_init_failed", zap.Error(err))
	}

	bridge := wabridge.New(wabridge.Config{
		BaseURL: cfg.BridgeBaseURL,
		WSURL:   cfg.BridgeWSURL,
		Token:   cfg.BridgeToken,
	})
	manager := connection.NewManager(bridge, sinks,
		connection.WithRetry(cfg.ConnectMaxRetries, cfg.ConnectRetryDelay),
	)

	svc, err := mystery.NewService(mystery.Deps{
		Messenger: manager,
		Catalog:   repo,
		Players:   repo,
		Oracle:    oracle.New(repo),
		Media:     media.NewResolver(cfg.UploadsDir),
		Texts:     texts,
		Allowed:   cfg.ChatAllowed,
	})
	if err != nil {
		logger.Fatal("service_init_failed", zap.Error(err))
	}
	manager.HandleFunc(svc.Handle)

	if *pairPhone != "" {
		code, err := manager.RequestPairingCode(ctx, *pairPhone)
		if err != nil {
			logger.Error("pairing_failed", zap.Error(err))
		} else {
			fmt.Printf("Pairing code for %s: %s\n", *pairPhone, code)
		}
	} else if err := manager.Start(ctx); err != nil {
		// The manager keeps retrying on its own.
		logger.Warn("connect_failed", zap.Error(err))
	}
	logger.Info("bot_started", zap.String("status", string(manager.Status().Status)))

	<-ctx.Done()
	logger.Info("bot_stopping", zap.Int("active_sessions", svc.Sessions().Len()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown_error", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *appcfg.AppConfig) (store, error) {
	if cfg.DatabaseURL == "" {
		obslog.L().Warn("database_url_missing_using_memory")
		return nopCloser{repository.NewMemory()}, nil
	}
	pg, err := repository.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return pg, nil
}

// sinkList fans a snapshot out to every sink.
type sinkList []connection.Sink

func (l sinkList) Persist(ctx context.Context, s connection.Snapshot) error {
	var errs []error
	for _, sink := range l {
		if err := sink.Persist(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// qrPrinter draws each new QR on the terminal.
type qrPrinter struct {
	mu   sync.Mutex
	last string
}

func (p *qrPrinter) Persist(_ context.Context, s connection.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.QR == "" || s.QR == p.last {
		return nil
	}
	p.last = s.QR
	q, err := qrcode.New(s.QR, qrcode.Low)
	if err != nil {
		return fmt.Errorf("render qr: %w", err)
	}
	fmt.Println("Scan this QR code in WhatsApp > Linked devices:")
	fmt.Println(q.ToSmallString(false))
	return nil
}

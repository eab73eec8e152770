package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	qrcode "github.com/skip2/go-qrcode"
	flag "github.com/spf13/pflag"

	appcfg "github.com/park285/blackstories-bot/internal/config"
	"github.com/park285/blackstories-bot/internal/connection"
	"github.com/park285/blackstories-bot/internal/sessionsink"
	"github.com/park285/blackstories-bot/internal/wabridge"
)

type printSink struct{}

func (printSink) Persist(_ context.Context, s connection.Snapshot) error {
	printSnapshot(s)
	return nil
}

func main() {
	configDir := flag.String("config", "", "directory holding config.yaml")
	pair := flag.String("pair", "", "request a pairing code for this phone")
	watch := flag.Bool("watch", false, "follow the status the running bot publishes to Redis")
	wait := flag.Duration("wait", 30*time.Second, "how long to observe the bridge")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := appcfg.Load(*configDir)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *watch {
		watchRedis(ctx, cfg.RedisURL)
		return
	}

	bridge := wabridge.New(wabridge.Config{
		BaseURL: cfg.BridgeBaseURL,
		WSURL:   cfg.BridgeWSURL,
		Token:   cfg.BridgeToken,
	})
	bridge.OnStreamState(func(st wabridge.StreamState) {
		log.Printf("event socket: %s", st)
	})
	// No retries: a failed connect is the answer.
	m := connection.NewManager(bridge, printSink{}, connection.WithRetry(0, time.Second))
	m.HandleFunc(func(_ context.Context, ev connection.Event) {
		switch {
		case ev.Message != nil:
			fmt.Printf("msg from=%s author=%s text=%q\n", ev.Message.From, ev.Message.Author, ev.Message.Body)
		case ev.Join != nil:
			fmt.Printf("join chat=%s participants=%v\n", ev.Join.ChatID, ev.Join.Participants)
		}
	})

	if *pair != "" {
		code, err := m.RequestPairingCode(ctx, *pair)
		if err != nil {
			log.Printf("pairing error: %v", err)
		} else {
			fmt.Printf("pairing code: %s\n", code)
		}
	} else if err := m.Start(ctx); err != nil {
		log.Printf("connect error: %v", err)
	}

	t := time.NewTimer(*wait)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
	}

	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.Close(cctx)
}

func watchRedis(ctx context.Context, url string) {
	if url == "" {
		log.Fatal("REDIS_URL is required for --watch")
	}
	rs, err := sessionsink.Open(ctx, url)
	if err != nil {
		log.Fatalf("redis error: %v", err)
	}
	defer func() { _ = rs.Close() }()

	snap, err := rs.Load(ctx)
	switch {
	case err != nil:
		log.Printf("load error: %v", err)
	case snap == nil:
		fmt.Println("no status published yet")
	default:
		printSnapshot(*snap)
	}
	if err := rs.Watch(ctx, printSnapshot); err != nil && ctx.Err() == nil {
		log.Printf("watch error: %v", err)
	}
}

func printSnapshot(s connection.Snapshot) {
	fmt.Printf("status=%s retries=%d\n", s.Status, s.RetryCount)
	if s.PairingCode != "" {
		fmt.Printf("pairing code: %s\n", s.PairingCode)
	}
	if s.QR != "" {
		q, err := qrcode.New(s.QR, qrcode.Low)
		if err != nil {
			fmt.Printf("qr: %s\n", s.QR)
			return
		}
		fmt.Println(q.ToSmallString(false))
	}
}

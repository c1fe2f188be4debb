package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"prosesync/internal/component"
	"prosesync/internal/config"
	"prosesync/internal/delivery/ws"
	"prosesync/internal/logging"
	"prosesync/internal/model"
	"prosesync/internal/view"
	"prosesync/mergeseq/seqpubsub"
	"prosesync/mergeseq/seqstore"
	"prosesync/mergeseq/seqsync"
)

// backend is everything the replicas share: the ordering service, how to reach it and the
// document roots.
type backend struct {
	dialer  seqsync.Dialer
	roots   seqstore.Adapter
	closers []func() error
}

func (b *backend) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

func (b *backend) Close() error {
	var firstErr error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func newOpLog(cfg *config.Config, client func() *redis.Client) (seqsync.OpLog, error) {
	switch cfg.Sync.OpLog {
	case config.OpLogBadger:
		return seqsync.NewBadgerOpLog(cfg.Sync.BadgerPath, cfg.Sync.KeyPrefix)
	case config.OpLogRedis:
		return seqsync.NewRedisStreamsOpLog(client(), cfg.Sync.KeyPrefix)
	default:
		return seqsync.NewMemoryOpLog(), nil
	}
}

func newPubSub(cfg *config.Config, client func() *redis.Client, logger *zap.Logger) (seqpubsub.PubSub, error) {
	options := seqpubsub.NewOptions()
	options.Logger = logger
	if cfg.Sync.OpLog == config.OpLogRedis {
		return seqpubsub.NewRedisPubSub(client(), options)
	}
	return seqpubsub.NewMemoryPubSub(options), nil
}

func newBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	b := &backend{}
	var client *redis.Client
	redisClient := func() *redis.Client {
		if client == nil {
			client = newRedisClient(cfg)
			b.onClose(client.Close)
		}
		return client
	}

	switch cfg.Storage.Type {
	case "redis":
		b.roots = seqstore.NewRedisAdapter(redisClient(), cfg.Storage.KeyPrefix)
	case "http":
		b.roots = ws.NewRootAdapter(cfg.Server.URL, nil)
	default:
		b.roots = seqstore.NewMemoryAdapter()
	}
	b.onClose(b.roots.Close)

	if cfg.Sync.Transport == config.TransportRedis {
		log, err := seqsync.NewRedisStreamsOpLog(redisClient(), cfg.Sync.KeyPrefix)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to create redis op log: %w", err)
		}
		b.dialer = &seqsync.RedisDialer{Log: log, Logger: logger}
		return b, nil
	}

	oplog, err := newOpLog(cfg, redisClient)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create op log: %w", err)
	}
	pubsub, err := newPubSub(cfg, redisClient, logger)
	if err != nil {
		oplog.Close()
		b.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}
	broadcaster, err := seqsync.NewPubSubBroadcaster(pubsub, cfg.Sync.TopicPrefix, seqpubsub.EncodingFormatJSON)
	if err != nil {
		pubsub.Close()
		oplog.Close()
		b.Close()
		return nil, err
	}
	service := seqsync.NewService(oplog, broadcaster, logger)
	b.onClose(service.Close)

	if cfg.Sync.Transport == config.TransportLocal {
		b.dialer = &seqsync.LocalDialer{Service: service, Broadcaster: broadcaster}
		return b, nil
	}

	// websocket transport: serve the service and dial it over the network
	server, err := ws.NewServer(service, broadcaster, b.roots, cfg.Server.NodeID, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: server.Handler()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server stopped", zap.Error(err))
		}
	}()
	b.onClose(func() error {
		server.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	logger.Info("Serving channels", zap.String("addr", cfg.Server.Addr))

	b.dialer = &ws.Dialer{BaseURL: cfg.Server.URL, Logger: logger}
	return b, nil
}

// runDemo opens the configured number of editors on one document, makes them edit
// concurrently and prints what each one ends up with.
func runDemo(ctx context.Context, cfg *config.Config, b *backend, logger *zap.Logger) error {
	factory := component.NewFactory(model.Schema{}, logger)

	editors := make([]*component.Editor, 0, cfg.Document.Replicas)
	containers := make([]*view.BufferContainer, 0, cfg.Document.Replicas)
	defer func() {
		for _, e := range editors {
			e.Close()
		}
	}()

	for i := 0; i < cfg.Document.Replicas; i++ {
		root := seqstore.NewRootStore(cfg.Document.ID, b.roots, logger)
		editor, err := factory.Instantiate(ctx, component.Host{
			ID:       cfg.Document.ID,
			Existing: i > 0,
			Root:     root,
			Dialer:   b.dialer,
		})
		if err != nil {
			return fmt.Errorf("failed to open replica %d: %w", i, err)
		}
		container := view.NewBufferContainer()
		if err := editor.Render(container); err != nil {
			return fmt.Errorf("failed to render replica %d: %w", i, err)
		}
		editors = append(editors, editor)
		containers = append(containers, container)
		logger.Info("Replica ready", zap.Int("replica", i), zap.Stringer("mode", editor.Mode()))
	}

	first := editors[0]
	if err := first.Dispatch(model.NewTransaction(model.InsertText{Pos: 0, Text: "Hello"})); err != nil {
		return err
	}
	if err := waitConverged(ctx, editors); err != nil {
		return err
	}

	// every replica edits at once, before seeing the others' changes
	for i, e := range editors {
		var tx *model.Transaction
		switch i % 3 {
		case 0:
			tx = model.NewTransaction(model.AddMark{From: 0, To: 5, Mark: "strong"})
		case 1:
			tx = model.NewTransaction(model.InsertText{Pos: 5, Text: " World"})
		default:
			doc := e.Document()
			end := doc.Length() - 1
			tx = model.NewTransaction(
				model.SplitBlock{Pos: end},
				model.InsertText{Pos: end + 1, Text: fmt.Sprintf("from replica %d", i)},
			)
		}
		if err := e.Dispatch(tx); err != nil {
			return fmt.Errorf("replica %d: %w", i, err)
		}
	}
	if err := waitConverged(ctx, editors); err != nil {
		return err
	}

	for i, e := range editors {
		fmt.Printf("replica %d (%s): %q\n", i, e.Mode(), e.Document().Text())
		fmt.Printf("  %s\n", containers[i].HTML())
	}
	return nil
}

func waitConverged(ctx context.Context, editors []*component.Editor) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if converged(editors) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("replicas did not converge: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func converged(editors []*component.Editor) bool {
	want := editors[0].Adapter().Render()
	seq := editors[0].Sequence().CurrentSeq()
	for _, e := range editors {
		if !e.Settled() || e.Sequence().CurrentSeq() != seq || e.Adapter().Render() != want {
			return false
		}
	}
	return true
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	envFile := flag.String("env", ".env", "optional env file")
	serveOnly := flag.Bool("serve", false, "only serve channels over websocket until interrupted")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *serveOnly {
		cfg.Sync.Transport = config.TransportWS
	}

	logger := logging.New(cfg.Logger.Level, cfg.Logger.ShowCaller)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to start backend", zap.Error(err))
	}
	defer b.Close()

	if *serveOnly {
		<-ctx.Done()
		return
	}

	if err := runDemo(ctx, cfg, b, logger); err != nil {
		logger.Error("Demo failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}

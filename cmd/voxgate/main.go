package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voxgate/voxgate/pkg/core/chat"
	"github.com/voxgate/voxgate/pkg/core/voice/stt"
	"github.com/voxgate/voxgate/pkg/core/voice/tts"
	"github.com/voxgate/voxgate/pkg/gateway/config"
	gatewayserver "github.com/voxgate/voxgate/pkg/gateway/server"
	"github.com/voxgate/voxgate/pkg/storage"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(ctx context.Context, cfg config.Config) (storage.Store, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadFromEnv,
		openStore:  openPostgres,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func openPostgres(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if err := storage.Migrate(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return storage.OpenPostgres(ctx, cfg.DatabaseURL)
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

func newChatProvider(ctx context.Context, cfg config.Config, client *http.Client) (chat.Provider, error) {
	switch cfg.ChatBackend {
	case config.ChatBackendGemini:
		return chat.NewGemini(ctx, cfg.GeminiAPIKey)
	case config.ChatBackendOpenAI:
		p := chat.NewOpenAIWithClient(cfg.OpenAIAPIKey, client)
		if cfg.OpenAIBaseURL != "" {
			p.SetBaseURL(cfg.OpenAIBaseURL)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported chat backend %q", cfg.ChatBackend)
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.openStore == nil {
		return errors.New("missing openStore dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := deps.openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	httpClient := newHTTPClient()

	sttProvider := stt.NewOpenAIWithClient(cfg.OpenAIAPIKey, httpClient)
	ttsProvider := tts.NewOpenAIWithClient(cfg.OpenAIAPIKey, httpClient)
	if cfg.OpenAIBaseURL != "" {
		sttProvider.SetBaseURL(cfg.OpenAIBaseURL)
		ttsProvider.SetBaseURL(cfg.OpenAIBaseURL)
	}

	chatProvider, err := newChatProvider(ctx, cfg, httpClient)
	if err != nil {
		return fmt.Errorf("chat provider: %w", err)
	}

	var retriever chat.Retriever
	if cfg.RetrievalBaseURL != "" {
		retriever = chat.NewHTTPRetrieverWithClient(cfg.RetrievalBaseURL, httpClient)
	}

	gw, err := gatewayserver.New(gatewayserver.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		STT:       sttProvider,
		TTS:       ttsProvider,
		Chat:      chatProvider,
		Retriever: retriever,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go gw.Registry().Run(sweepCtx, cfg.SweepInterval)

	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"chat_backend", cfg.ChatBackend,
		"sweep_interval", cfg.SweepInterval.String(),
		"session_idle_timeout", cfg.SessionIdleTimeout.String(),
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	if warned := gw.WarnSessionsDraining(); warned > 0 {
		logger.Info("warned live sessions", "count", warned)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitSessions(waitCtx) {
		closed := gw.CloseSessions()
		logger.Warn("force-closed lingering sessions", "count", closed)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "voxgate: load .env: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voxgate: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}

// Command reverie runs the conversation engine as an HTTP server: SQLite
// persistence, an optional Meilisearch mirror, and the OpenAI-compatible
// provider behind repair and retry wrappers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nevindra/reverie"
	"github.com/nevindra/reverie/archive"
	"github.com/nevindra/reverie/internal/config"
	"github.com/nevindra/reverie/internal/secret"
	"github.com/nevindra/reverie/observer"
	"github.com/nevindra/reverie/provider/openaicompat"
	"github.com/nevindra/reverie/search/meili"
	"github.com/nevindra/reverie/server"
	"github.com/nevindra/reverie/store/sqlite"
	"github.com/nevindra/reverie/tools/dialogue"
	"github.com/nevindra/reverie/tools/insight"
	"github.com/nevindra/reverie/tools/period"
	"github.com/nevindra/reverie/tools/relation"
	"github.com/nevindra/reverie/tools/websearch"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the TOML config file")
		addr       = flag.String("addr", "", "listen address override")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	if err := run(*configPath, *addr, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride string, logger *slog.Logger) error {
	cfg := config.Load(configPath)
	if addrOverride != "" {
		cfg.Server.Addr = addrOverride
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init working db: %w", err)
	}
	defer store.Close()

	var keeper *secret.Keeper
	if pass := os.Getenv("REVERIE_SECRET_PASSPHRASE"); pass != "" {
		keeper = secret.NewKeeper(pass)
	} else {
		logger.Warn("REVERIE_SECRET_PASSPHRASE not set, model api keys stored in plaintext")
	}
	settings := sqlite.NewSettings(cfg.Database.SettingsPath,
		sqlite.WithSettingsLogger(logger), sqlite.WithKeeper(keeper))
	if err := settings.Init(ctx); err != nil {
		return fmt.Errorf("init settings db: %w", err)
	}
	defer settings.Close()

	clock := reverie.NewClock(store, reverie.WithClockLogger(logger))

	var idx reverie.Indexer
	if cfg.Meilisearch.HTTPAddr != "" {
		if cfg.Meilisearch.AutoStart && cfg.Meilisearch.ExecutablePath != "" {
			cmd, err := startMeili(cfg.Meilisearch, logger)
			if err != nil {
				logger.Warn("meilisearch autostart failed, keyword search degrades to sql scans", "error", err)
			} else {
				defer cmd.Process.Kill()
			}
		}
		m := meili.New(cfg.Meilisearch.HTTPAddr, cfg.Meilisearch.APIKey, meili.WithLogger(logger))
		if m.Available(ctx) {
			if err := m.Reset(ctx); err != nil {
				logger.Warn("meilisearch index setup failed", "error", err)
			}
			if err := reverie.Reindex(ctx, store, m, logger); err != nil {
				logger.Warn("startup reindex failed", "error", err)
			}
			idx = m
		} else {
			logger.Warn("meilisearch unreachable, keyword search degrades to sql scans",
				"addr", cfg.Meilisearch.HTTPAddr)
			idx = m
		}
	}

	memory := reverie.NewMemory(store, idx, clock, reverie.WithMemoryLogger(logger))

	tools := reverie.NewToolCollection(
		dialogue.SpeakInPerson(),
		dialogue.SendTelegram(),
		dialogue.History(),
		period.ScheduleReader(),
		period.ScheduleWriter(),
		period.ScenarioReader(),
		period.ScenarioWriter(),
		relation.New(),
		insight.Reflection(),
		insight.Strategy(),
		websearch.New(os.Getenv("REVERIE_BRAVE_API_KEY")),
		reverie.TerminateTool{},
	)

	archives := archive.New(store, clock, idx, cfg.Database.ArchiveDir, archive.WithLogger(logger))

	var tracer reverie.Tracer
	if cfg.Observer.Enabled {
		tracer = observer.NewTracer()
	}

	srv := server.New(memory, settings, idx, archives,
		providerResolver(cfg, settings, logger), tools,
		server.WithLogger(logger), server.WithTracer(tracer))

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// providerResolver resolves model names to wrapped providers: config
// endpoints first, then settings-database records. Resolved providers are
// cached per name.
func providerResolver(cfg config.Config, settings reverie.SettingsStore, logger *slog.Logger) server.ProviderResolver {
	var mu sync.Mutex
	cache := make(map[string]reverie.Provider)

	return func(ctx context.Context, name string) (reverie.Provider, error) {
		mu.Lock()
		defer mu.Unlock()
		if p, ok := cache[name]; ok {
			return p, nil
		}

		var built reverie.Provider
		if llm, ok := cfg.Endpoint(name); ok {
			built = buildProvider(name, llm, logger)
		} else {
			rec, err := settings.GetModelByName(ctx, name)
			if err != nil {
				return nil, err
			}
			built = buildProvider(rec.Name, config.LLMConfig{
				Model:     rec.Model,
				BaseURL:   rec.BaseURL,
				APIKey:    rec.APIKey,
				MaxTokens: rec.MaxTokens,
			}, logger)
		}
		cache[name] = built
		return built, nil
	}
}

// buildProvider constructs the OpenAI-compatible provider for one endpoint
// and wraps it with transcript repair and transient-error retry.
func buildProvider(name string, llm config.LLMConfig, logger *slog.Logger) reverie.Provider {
	var reqOpts []openaicompat.Option
	if llm.Temperature > 0 {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(llm.Temperature))
	}
	if llm.MaxTokens > 0 {
		reqOpts = append(reqOpts, openaicompat.WithMaxTokens(llm.MaxTokens))
	}
	if name == "" {
		name = "default"
	}
	p := openaicompat.NewProvider(llm.APIKey, llm.Model, llm.BaseURL,
		openaicompat.WithName(name),
		openaicompat.WithOptions(reqOpts...),
		openaicompat.WithHeader("HTTP-Referer", llm.HTTPReferer),
		openaicompat.WithHeader("X-Title", llm.XTitle),
	)
	return reverie.WithRepair(reverie.WithRetry(p, reverie.RetryLogger(logger)), logger)
}

// startMeili launches the Meilisearch sidecar and waits for its port to
// accept connections.
func startMeili(cfg config.MeilisearchConfig, logger *slog.Logger) (*exec.Cmd, error) {
	args := []string{"--http-addr", cfg.HTTPAddr}
	if cfg.DBPath != "" {
		args = append(args, "--db-path", cfg.DBPath)
	}
	if cfg.APIKey != "" {
		args = append(args, "--master-key", cfg.APIKey)
	}
	cmd := exec.Command(cfg.ExecutablePath, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	logger.Info("meilisearch started", "pid", cmd.Process.Pid, "addr", cfg.HTTPAddr)

	probe := meili.New(cfg.HTTPAddr, cfg.APIKey)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if probe.Available(context.Background()) {
			return cmd, nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	cmd.Process.Kill()
	return nil, fmt.Errorf("meilisearch did not become healthy within 10s")
}

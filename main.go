package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"flatradar/internal/aggregator"
	"flatradar/internal/cities"
	"flatradar/internal/config"
	"flatradar/internal/dispatch"
	"flatradar/internal/httpx"
	"flatradar/internal/ops"
	"flatradar/internal/rates"
	"flatradar/internal/repository"
	"flatradar/internal/scheduler"
	"flatradar/internal/sources"
	"flatradar/internal/telegram"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("commit", BuildCommit).
		Str("db", redactDatabaseURL(cfg.DatabaseURL)).
		Int("check_interval_min", cfg.CheckIntervalMin).
		Str("ops_addr", cfg.OpsAddr).
		Msg("flatradar starting")

	// 2. Storage
	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connect failed")
	}
	defer repo.Close()

	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Info().Msg("schema apply skipped (SKIP_MIGRATION=true)")
	} else if err := repo.Migrate("schema.sql"); err != nil {
		log.Fatal().Err(err).Msg("schema apply failed")
	}

	// 3. Portal table, HTTP client, adapters
	srcCfg, err := config.LoadSources(cfg.SourcesConfig)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.SourcesConfig).Msg("sources table unusable")
	}
	resolver := cities.NewTable(srcCfg.Cities)

	web := httpx.New(log, httpx.Options{})
	adapters := buildAdapters(web, resolver, repo, log, srcCfg)
	if len(adapters) == 0 {
		log.Fatal().Msg("no portal adapters enabled")
	}

	fx := rates.NewProvider(log, cfg.FXBYNPerUSD)
	agg := aggregator.New(adapters, repo, resolver, cfg.NearDupEnabled, log)

	// 4. Telegram, dispatch, schedule, ops
	bot := telegram.NewClient(cfg.BotToken, log)
	msgr := telegram.NewMessenger(bot, cfg.GlobalSendsPerMin, log)
	disp := dispatch.New(repo, agg, msgr, fx, resolver, web, cfg.MaxPhotosPerMsg, log)
	gw := telegram.NewGateway(bot, msgr, repo, resolver, disp, cfg, log)

	interval := time.Duration(cfg.CheckIntervalMin) * time.Minute
	sched := scheduler.New(disp, repo, fx, interval, gw.Ready(), log)
	opsSrv := ops.NewServer(repo, disp, gw.Ready(), cfg.OpsAddr, log)

	// 5. Run until signalled
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("bot gateway stopped")
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := opsSrv.Start(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("ops server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ops server shutdown")
	}
	wg.Wait()
	log.Info().Msg("stopped")
}

// buildAdapters instantiates every portal switched on in the table, in a
// fixed order so logs and fan-out stay deterministic.
func buildAdapters(web *httpx.Client, resolver cities.Resolver, known sources.KnownIDs, log zerolog.Logger, table *config.Sources) []sources.Adapter {
	type portal struct {
		name  string
		build func(config.SourceSettings) sources.Adapter
	}
	portals := []portal{
		{"kufar", func(st config.SourceSettings) sources.Adapter { return sources.NewKufar(web, resolver, known, log, st) }},
		{"realt", func(st config.SourceSettings) sources.Adapter { return sources.NewRealt(web, resolver, known, log, st) }},
		{"domovita", func(st config.SourceSettings) sources.Adapter { return sources.NewDomovita(web, resolver, known, log, st) }},
		{"hata", func(st config.SourceSettings) sources.Adapter { return sources.NewHata(web, resolver, known, log, st) }},
		{"gohome", func(st config.SourceSettings) sources.Adapter { return sources.NewGoHome(web, resolver, known, log, st) }},
		{"etagi", func(st config.SourceSettings) sources.Adapter { return sources.NewEtagi(web, resolver, known, log, st) }},
	}

	var out []sources.Adapter
	for _, p := range portals {
		st, ok := table.Settings(p.name)
		if !ok || !st.Enabled {
			log.Info().Str("source", p.name).Msg("portal disabled")
			continue
		}
		out = append(out, p.build(st))
		log.Info().Str("source", p.name).Msg("portal enabled")
	}
	return out
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Query params can carry sslpassword and friends.
		u.RawQuery = ""
		return u.String()
	}

	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)(\S+)`)
	return re.ReplaceAllString(raw, `$1****`)
}

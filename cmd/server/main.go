package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/manpreetbhatti/velocode/internal/api"
	"github.com/manpreetbhatti/velocode/internal/config"
	"github.com/manpreetbhatti/velocode/internal/db"
	"github.com/manpreetbhatti/velocode/internal/ratelimit"
	"github.com/manpreetbhatti/velocode/internal/retention"
	"github.com/manpreetbhatti/velocode/internal/review"
	"github.com/manpreetbhatti/velocode/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg config.Config, logger *slog.Logger) error {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	// Nobody is connected yet, so anything still open belongs to a previous run
	if n, err := database.CloseOpenSessions(time.Now()); err != nil {
		return err
	} else if n > 0 {
		logger.Info("closed dangling sessions", "count", n)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	journal := db.NewJournal(database, cfg.JournalLen, logger.With("component", "journal"))
	journalDone := make(chan struct{})
	go func() {
		journal.Run(ctx)
		close(journalDone)
	}()

	hub := ws.NewHub(ws.Options{
		AnnounceLanguage: cfg.AnnounceLanguage,
		Observer:         journal,
		Logger:           logger.With("component", "hub"),
	})
	go hub.Run(ctx)

	pruner := retention.New(database, retention.Config{
		Interval: cfg.RetentionInterval,
		MaxAge:   cfg.RetentionMaxAge,
	}, logger.With("component", "retention"))
	pruner.Start()
	defer pruner.Stop()

	var reviewer review.Reviewer
	if cfg.ReviewAPIKey != "" {
		client, err := review.NewGeminiClient(ctx, cfg.ReviewAPIKey, cfg.ReviewModel, cfg.ReviewBaseURL)
		if err != nil {
			return err
		}
		reviewer = client
	} else {
		logger.Warn("GOOGLE_GENAI_API_KEY not set, code review disabled")
	}

	limits := ratelimit.DefaultConfig()
	limits.Rate = cfg.RateLimit
	limits.Burst = cfg.RateBurst

	router := mux.NewRouter()
	router.Handle("/ws", ws.NewServer(hub, cfg.AllowedOrigins, limits))
	api.New(hub, database, reviewer, logger.With("component", "api")).Routes(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsMiddleware(cfg.AllowedOrigins, router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("velocode server starting",
			"addr", srv.Addr,
			"db_path", cfg.DBPath,
			"announce_language", cfg.AnnounceLanguage,
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}

	stop()
	<-journalDone
	return nil
}

func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	wildcard := false
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[strings.TrimSuffix(o, "/")] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case wildcard:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case set[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

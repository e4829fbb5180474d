package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/vedran77/skillswap/internal/config"
	"github.com/vedran77/skillswap/internal/database"
	"github.com/vedran77/skillswap/internal/presence"
	natspresence "github.com/vedran77/skillswap/internal/presence/nats"
	redispresence "github.com/vedran77/skillswap/internal/presence/redis"
	"github.com/vedran77/skillswap/internal/realtime"
	"github.com/vedran77/skillswap/internal/repository"
	"github.com/vedran77/skillswap/internal/repository/memory"
	mongorepo "github.com/vedran77/skillswap/internal/repository/mongo"
	postgresrepo "github.com/vedran77/skillswap/internal/repository/postgres"
	"github.com/vedran77/skillswap/internal/service"
	"github.com/vedran77/skillswap/internal/transport/http/handlers"
	"github.com/vedran77/skillswap/internal/transport/http/middleware"
	"github.com/vedran77/skillswap/internal/transport/ws"
	"github.com/vedran77/skillswap/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("store")
	}
	defer store.Close()
	log.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	typing, err := openPresence(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.PresenceDriver).Msg("presence")
	}
	defer typing.Close()

	// Services
	chat := service.NewChatService(store, typing, logger.Component(log, "chat"))
	chat.SetRetryPolicy(service.RetryPolicy{Attempts: cfg.RetryAttempts, Base: cfg.RetryBase})

	// Realtime
	dispatcher := realtime.NewDispatcher(store, logger.Component(log, "dispatcher"))
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("dispatcher stopped")
		}
	}()
	defer dispatcher.Close()

	hub := ws.NewHub(logger.Component(log, "ws"))
	go hub.Run(ctx)

	// Routes
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	})

	chatHandler := handlers.NewChatHandler(chat, logger.Component(log, "http"))
	chatHandler.Register(mux, middleware.Auth(cfg.JWTSecret))

	mux.HandleFunc("GET /ws", ws.ServeWS(ws.Deps{
		Hub:            hub,
		Chat:           chat,
		Dispatcher:     dispatcher,
		JWTSecret:      cfg.JWTSecret,
		TypingTimeout:  cfg.TypingTimeout,
		OriginPatterns: originHosts(cfg.AllowedOrigins),
		Log:            logger.Component(log, "ws"),
	}))

	handler := middleware.RequestLogger(log)(middleware.CORS(cfg.AllowedOrigins...)(mux))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	log.Info().Str("addr", srv.Addr).Msg("starting server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server")
	}
	log.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (repository.Store, error) {
	storeLog := logger.Component(log, "store")

	switch cfg.StoreDriver {
	case "postgres":
		pool, err := database.Connect(cfg)
		if err != nil {
			return repository.Store{}, err
		}
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return repository.Store{}, err
		}
		return postgresrepo.NewStore(pool, storeLog), nil

	case "mongo":
		client, err := database.ConnectMongo(cfg)
		if err != nil {
			return repository.Store{}, err
		}
		db := client.Database(cfg.MongoDB)
		if err := mongorepo.EnsureIndexes(ctx, db); err != nil {
			_ = client.Disconnect(context.Background())
			return repository.Store{}, err
		}
		return mongorepo.NewStore(client, db, storeLog), nil

	default:
		return memory.New().Store(), nil
	}
}

func openPresence(cfg *config.Config, log zerolog.Logger) (presence.Channel, error) {
	presenceLog := logger.Component(log, "presence")

	switch cfg.PresenceDriver {
	case "redis":
		client, err := database.ConnectRedis(cfg)
		if err != nil {
			return nil, err
		}
		return &closingChannel{
			Channel: redispresence.New(client, cfg.TypingTimeout, presenceLog),
			close:   client.Close,
		}, nil

	case "nats":
		return natspresence.Connect(cfg.NATSURL, "skillswap-chat", presenceLog)

	default:
		return presence.NewMemory(presenceLog), nil
	}
}

// closingChannel releases the redis client along with the channel.
type closingChannel struct {
	presence.Channel
	close func() error
}

func (c *closingChannel) Close() error {
	return errors.Join(c.Channel.Close(), c.close())
}

// originHosts turns configured origins into websocket host patterns.
func originHosts(origins []string) []string {
	var hosts []string
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			hosts = append(hosts, o)
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}

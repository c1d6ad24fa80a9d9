package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chat-link/internal/application/chatlink"
	"github.com/go-chat-link/internal/config"
	"github.com/go-chat-link/internal/infrastructure/dynamo"
	jwtinfra "github.com/go-chat-link/internal/infrastructure/jwt"
	"github.com/go-chat-link/internal/infrastructure/sns"
	"github.com/go-chat-link/internal/infrastructure/sqlstore"
	"github.com/go-chat-link/internal/infrastructure/telegram"
	"github.com/go-chat-link/internal/pkg/clock"
	transporthttp "github.com/go-chat-link/internal/transport/http"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment")
	}

	cfg := config.Load()
	if cfg.TelegramBotToken == "" {
		log.Fatal("TELEGRAM_BOT_TOKEN is required")
	}

	ctx := context.Background()
	sessions, accounts := openStores(ctx, cfg)

	// Link events are optional; without a topic nothing is published.
	var events chatlink.EventPublisher
	if cfg.LinkEventsTopicARN != "" {
		if pub, err := sns.NewPublisher(ctx, cfg); err == nil {
			events = pub
		} else {
			log.Printf("WARN: link event publisher not available: %v", err)
		}
	}

	clk := clock.Real()
	sched := chatlink.NewScheduler(chatlink.SchedulerDeps{
		Gateway:  telegram.NewClient(cfg.TelegramBotToken, cfg.TelegramAPIURL),
		Sessions: sessions,
		Accounts: accounts,
		Events:   events,
		Clock:    clk,
		Options: chatlink.Options{
			PollInterval: cfg.LinkPollInterval,
			SessionTTL:   cfg.LinkSessionTTL,
		},
	})
	if n, err := sched.Recover(ctx); err != nil {
		log.Printf("WARN: could not recover pending link sessions: %v", err)
	} else if n > 0 {
		log.Printf("Recovered %d pending link sessions", n)
	}

	// Without JWT keys nothing can be verified, so every chat-link route answers 401.
	var jwtProvider *jwtinfra.Provider
	if p, err := jwtinfra.NewProvider(cfg); err == nil {
		jwtProvider = p
	} else {
		log.Printf("WARN: JWT provider not available: %v", err)
	}

	deps := &transporthttp.Deps{
		ChatLink: chatlink.NewService(chatlink.ServiceDeps{
			Linker:      sched,
			Accounts:    accounts,
			Events:      events,
			Clock:       clk,
			BotUsername: cfg.TelegramBotUsername,
		}),
		LinkLoop:    sched,
		JWTProvider: jwtProvider,
	}

	router := transporthttp.NewRouter(cfg, deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s (env=%s, store=%s)", cfg.AppPort, cfg.AppEnv, cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	// Pending sessions stay in the store and are recovered on the next start.
	sched.Close()
	log.Println("Server stopped")
}

func openStores(ctx context.Context, cfg *config.Config) (chatlink.SessionStore, chatlink.AccountStore) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		db, err := sqlstore.Open(cfg)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		if err := sqlstore.Migrate(db); err != nil {
			log.Fatalf("migrate database: %v", err)
		}
		return sqlstore.NewLinkSessionRepo(db), sqlstore.NewUserRepo(db)
	case config.StoreDynamo:
		client, err := dynamo.NewClient(ctx, cfg)
		if err != nil {
			log.Fatalf("dynamodb client: %v", err)
		}
		// Creates the tables if they don't exist.
		dynamo.Bootstrap(ctx, client, cfg.DynamoTables)
		return dynamo.NewLinkSessionRepo(client, cfg.DynamoTables.LinkSessions),
			dynamo.NewUserRepo(client, cfg.DynamoTables.Users, cfg.DynamoTables.ExternalIdentities)
	default:
		log.Fatalf("unknown STORE_BACKEND %q", cfg.StoreBackend)
		return nil, nil
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/helicon-ai/docchat/internal/auth"
	"github.com/helicon-ai/docchat/internal/config"
	"github.com/helicon-ai/docchat/internal/handler"
	"github.com/helicon-ai/docchat/internal/handler/status"
	"github.com/helicon-ai/docchat/internal/handler/ws"
	"github.com/helicon-ai/docchat/internal/service/ai"
	chatservice "github.com/helicon-ai/docchat/internal/service/chat"
	"github.com/helicon-ai/docchat/internal/service/ratelimit"
	"github.com/helicon-ai/docchat/internal/service/registry"
	"github.com/helicon-ai/docchat/internal/service/retrieval"
	"github.com/helicon-ai/docchat/internal/service/stream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store := newChatStore(cfg)
	defer store.Close()

	limiter, err := newLimiter(cfg.RateLimit)
	if err != nil {
		log.Fatalf("failed to initialize rate limiter: %v", err)
	}

	driver := newStreamDriver(ctx, cfg, store)

	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	reg := registry.New()

	wsHandler := ws.New(verifier, store, limiter, reg, driver)
	statusHandler := status.New(reg)
	router := handler.NewRouter(wsHandler, statusHandler)

	startServer(ctx, cfg.Server, router)
}

// newChatStore prefers Supabase and falls back to process memory when the
// project is not configured.
func newChatStore(cfg *config.Config) chatservice.Store {
	if cfg.Supabase.Enabled() {
		store, err := chatservice.NewSupabaseStore(chatservice.SupabaseConfig{
			URL:    cfg.Supabase.URL,
			APIKey: cfg.Supabase.APIKey,
		})
		if err != nil {
			log.Fatalf("failed to initialize supabase store: %v", err)
		}
		log.Println("chat store: supabase")
		return store
	}

	log.Println("Supabase not configured, using in-memory chat store")
	return chatservice.NewMemoryStore()
}

func newLimiter(cfg config.RateLimitConfig) (ratelimit.Limiter, error) {
	opts := []ratelimit.Option{ratelimit.WithLimit(cfg.PerMinute)}

	if cfg.Store == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		opts = append(opts, ratelimit.WithRedisClient(client))
		return ratelimit.New(ratelimit.StoreTypeRedis, opts...)
	}

	return ratelimit.New(ratelimit.StoreTypeMemory, opts...)
}

// newStreamDriver assembles retrieval and generation. Either may be
// unconfigured; the realtime endpoint then reports generation as
// unavailable instead of refusing connections.
func newStreamDriver(ctx context.Context, cfg *config.Config, store chatservice.Store) *stream.Driver {
	if !cfg.AI.Enabled() {
		log.Println("Ark credentials not configured, chat answers disabled")
		return nil
	}

	var searcher retrieval.Searcher
	if cfg.Qdrant.Enabled() && cfg.AI.EmbeddingEnabled() {
		embedder, err := cfg.AI.NewEmbedder(ctx)
		if err != nil {
			log.Printf("warning: failed to initialize embedder: %v", err)
		} else {
			searcher, err = retrieval.NewQdrantSearcher(retrieval.QdrantConfig{
				URL:            cfg.Qdrant.URL,
				APIKey:         cfg.Qdrant.APIKey,
				CollectionName: cfg.Qdrant.CollectionName,
				MinScore:       float32(cfg.Qdrant.MinScore),
			}, embedder)
			if err != nil {
				log.Printf("warning: failed to initialize qdrant searcher: %v", err)
				searcher = nil
			} else {
				log.Println("document retrieval initialized successfully")
			}
		}
	} else {
		log.Println("Qdrant or embedding model not configured, answering without document context")
	}

	aiService, err := ai.NewService(ctx, cfg.AI, store, searcher)
	if err != nil {
		log.Printf("warning: failed to initialize AI service: %v", err)
		log.Println("continuing without answer generation")
		return nil
	}

	log.Println("AI service initialized successfully")
	return stream.New(aiService, store)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("docchat backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

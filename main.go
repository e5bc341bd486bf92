package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/MicahParks/keyfunc"
	_ "github.com/joho/godotenv/autoload"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"planning-api/api"
	"planning-api/planning"
	"planning-api/storage"
)

type boardStore interface {
	planning.Store
	planning.UserRegistry
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

// run serves until the listener fails, releasing the store and the Redis
// client on the way out.
func run(cfg config) error {
	logger := log.New()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.JSONLogs {
		log.SetFormatter(&log.JSONFormatter{})
		logger.SetFormatter(&log.JSONFormatter{})
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("close store")
		}
	}()

	opts := []planning.Option{
		planning.WithUsers(store),
		planning.WithAutoRenumber(cfg.AutoRenumber),
	}
	var deduper api.Deduper
	if cfg.Redis != nil {
		rc := redis.NewClient(cfg.Redis)
		defer func() {
			if err := rc.Close(); err != nil {
				log.WithError(err).Warn("close redis")
			}
		}()
		deduper = storage.NewRedisDeduper(rc, cfg.DeduperTTL)
		opts = append(opts, planning.WithNotifier(storage.NewRedisNotifier(rc, cfg.BoardChannel)))
	} else {
		log.Warn("REDIS_CONNECTION_STRING not set, idempotency keys and board notifications disabled")
	}
	svc := planning.NewService(store, opts...)

	auth, err := newAuth(cfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	e := echo.New()
	e.JSONSerializer = api.SonicSerializer{}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.RequestTimeout(cfg.Timeout))
	e.Use(api.GzipRequestMiddleware())

	api.Register(e, svc, store, auth, deduper, logger)

	log.WithFields(log.Fields{"backend": cfg.Backend, "addr": cfg.ListenAddr}).Info("planning api starting")
	if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config) (boardStore, error) {
	if cfg.Backend == backendPostgres {
		return storage.OpenPostgres(ctx, cfg.DatabaseURL)
	}
	return storage.NewMemStore()
}

func newAuth(cfg config) (*api.Auth, error) {
	if cfg.TestMode {
		return api.NewAuth(nil, "", ""), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/"), nil
}

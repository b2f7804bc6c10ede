package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/django/v3"
	prep "github.com/goliatone/go-prep"
	"github.com/goliatone/go-prep/config"
	"github.com/goliatone/go-prep/logging"
	"github.com/goliatone/go-prep/middleware/csrf"
	"github.com/goliatone/go-prep/provider/firebase"
	"github.com/goliatone/go-prep/provider/firestore"
	"github.com/goliatone/go-prep/repository"
	"github.com/goliatone/go-prep/social"
	"github.com/goliatone/go-prep/social/google"
	"github.com/goliatone/go-prep/telemetry"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"go.opentelemetry.io/otel"
)

const (
	sessionChannel = "prep:sessions"
	sessionPrefix  = "prep:session:"
)

// App holds every long lived component of a running server
type App struct {
	config    *config.Config
	logger    *logging.Logger
	srv       router.Server[*fiber.App]
	identity  *firebase.Client
	verifier  *firebase.Verifier
	manager   *prep.BridgeManager
	redis     *redis.Client
	db        *bun.DB
	telemetry telemetry.ShutdownFunc
	stop      context.CancelFunc
}

// NewApp wires the identity provider, profile store, sessions and routes
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Env:         cfg.Log.Env,
		ServiceName: cfg.Telemetry.ServiceName,
		Console:     cfg.Server.Dev,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if cfg.Server.Dev {
		fmt.Println(print.MaybePrettyJSON(cfg.Server))
	}

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		Environment: cfg.Log.Env,
		SampleRate:  cfg.Telemetry.SampleRate,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}

	runCtx, stop := context.WithCancel(context.Background())
	app := &App{
		config:    cfg,
		logger:    logger,
		telemetry: shutdown,
		stop:      stop,
	}

	if err := app.withIdentity(runCtx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	profiles, err := app.profileStore(ctx)
	if err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	app.manager = prep.NewBridgeManager(app.identity, profiles,
		prep.WithIdleTTL(cfg.Session.IdleTTL),
		prep.WithFirstVisitTTL(cfg.Session.FirstVisitTTL),
		prep.WithMaxBridges(cfg.Session.MaxBridges),
		prep.WithManagerLogger(logger.Named("sessions")),
		prep.WithBridgeOptions(
			prep.WithBridgeLogger(logger.Named("bridge")),
			prep.WithStartupTimeout(cfg.Session.StartupTimeout),
			prep.WithOperationTimeout(cfg.Session.OperationTimeout),
			prep.WithTracer(otel.Tracer("github.com/goliatone/go-prep")),
		),
	)
	go app.manager.Run(runCtx)

	if err := app.withHTTPServer(); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	return app, nil
}

func (a *App) withIdentity(ctx context.Context) error {
	cfg := a.config
	opts := []firebase.Option{
		firebase.WithLogger(a.logger.Named("firebase")),
		firebase.WithRequestMiddleware(telemetry.InjectTraceHeaders),
	}

	if cfg.Firebase.VerifyTokens {
		verifier, err := firebase.NewRemoteVerifier(cfg.Firebase.ProjectID, a.logger.Named("jwks"))
		if err != nil {
			return fmt.Errorf("failed to load token keys: %w", err)
		}
		a.verifier = verifier
		opts = append(opts, firebase.WithVerifier(verifier))
	}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		opts = append(opts,
			firebase.WithTokenStore(repository.NewRedisTokenStore(a.redis, sessionPrefix)),
			firebase.WithBroadcaster(repository.NewRedisBroadcaster(a.redis, sessionChannel, a.logger.Named("broadcast"))),
		)
	}

	client, err := firebase.New(firebase.Config{
		APIKey:     cfg.Firebase.APIKey,
		ProjectID:  cfg.Firebase.ProjectID,
		AuthDomain: cfg.Firebase.AuthDomain,
	}, opts...)
	if err != nil {
		return err
	}
	a.identity = client

	go func() {
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("session broadcast stopped", "error", err)
		}
	}()

	return nil
}

func (a *App) profileStore(ctx context.Context) (prep.ProfileStore, error) {
	cfg := a.config
	switch cfg.Profiles.Backend {
	case "sql":
		sqldb, err := sql.Open(sqliteshim.ShimName, cfg.Profiles.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open profiles database: %w", err)
		}
		a.db = bun.NewDB(sqldb, sqlitedialect.New())

		repo := repository.NewProfileRepository(a.db)
		if err := repo.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate profiles schema: %w", err)
		}
		return repo, nil
	default:
		return firestore.New(firestore.Config{
			ProjectID: cfg.Firebase.ProjectID,
			APIKey:    cfg.Firebase.APIKey,
		},
			firestore.WithTokenSource(a.identity),
			firestore.WithRequestMiddleware(telemetry.InjectTraceHeaders),
			firestore.WithLogger(a.logger.Named("firestore")),
		)
	}
}

func (a *App) withHTTPServer() error {
	cfg := a.config

	var views http.FileSystem = http.FS(prep.ViewsFS())
	var assets fs.FS = prep.AssetsFS()
	if cfg.Server.Dev {
		views = http.Dir("views")
		assets = os.DirFS("public")
	}

	engine := django.NewPathForwardingFileSystem(views, "/", ".html")
	engine.Reload(cfg.Server.Dev)
	for name, fn := range prep.TemplateHelpers() {
		engine.AddFunc(name, fn)
	}

	a.srv = router.NewFiberAdapter(func(f *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:      true,
			EnablePrintRoutes: cfg.Server.Dev,
			StrictRouting:     false,
			PassLocalsToViews: true,
			Views:             engine,
		}))
	})

	session := prep.NewSessionHandler(a.manager,
		prep.WithSecureCookies(cfg.Server.SecureCookies),
		prep.WithGuardWait(cfg.Session.GuardWait),
		prep.WithSessionLogger(a.logger.Named("http")),
	)

	key := sha256.Sum256([]byte(cfg.Session.Secret))

	r := a.srv.Router()
	r.Use(prep.Recover(a.logger.Named("recover")))
	r.Use(session.Middleware())
	r.Use(csrf.New(csrf.Config{
		SecureKey:    key[:],
		SessionLocal: prep.LocalsDeviceKey,
		Skip: func(ctx router.Context) bool {
			return strings.HasPrefix(ctx.Path(), prep.DefaultAssetsPrefix)
		},
	}))

	r.Static("/assets", ".", router.Static{
		FS:   assets,
		Root: ".",
	})

	inflight := &prep.Inflight{}

	authOpts := []prep.AuthControllerOption{
		prep.WithSessionHandler(session),
		prep.WithAuthLogger(a.logger.Named("auth")),
		prep.WithAuthDebug(cfg.Server.Dev),
		prep.WithInflight(inflight),
	}
	if cfg.Google.Enabled() {
		stateKey := sha256.Sum256([]byte("oauth-state:" + cfg.Session.Secret))
		flow := social.NewFlow(
			social.NewJWTStateManager(stateKey[:], 0),
			social.WithProvider(google.New(google.Config{
				ClientID:     cfg.Google.ClientID,
				ClientSecret: cfg.Google.ClientSecret,
				CallbackURL:  cfg.Google.CallbackURL,
			})),
		)
		authOpts = append(authOpts, prep.WithSocialFlow(flow))
	}

	prep.RegisterAuthRoutes(r, authOpts...)

	// the shell catch all must be registered last
	prep.RegisterPageRoutes(r,
		prep.WithPageSession(session),
		prep.WithPageLogger(a.logger.Named("pages")),
		prep.WithPageInflight(inflight),
	)

	return nil
}

// Serve blocks until the listener fails or Close shuts it down
func (a *App) Serve() error {
	addr := fmt.Sprintf(":%d", a.config.Server.Port)
	a.logger.Info("listening", "addr", addr, "version", Version)
	return a.srv.Serve(addr)
}

// Close stops the server and releases every component in reverse order
func (a *App) Close(ctx context.Context) error {
	var errs []error

	if a.srv != nil {
		errs = append(errs, a.srv.Shutdown(ctx))
	}
	if a.manager != nil {
		errs = append(errs, a.manager.Close())
	}
	a.stop()
	if a.verifier != nil {
		a.verifier.Close()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry(ctx))
	}
	_ = a.logger.Sync()

	return errors.Join(errs...)
}

// Package taskgate wires the task manager's stores, identity, billing and
// chat components into one HTTP service.
package taskgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/taskgate/internal/logging"
	"github.com/rcourtman/taskgate/internal/taskgate/access"
	"github.com/rcourtman/taskgate/internal/taskgate/billing"
	"github.com/rcourtman/taskgate/internal/taskgate/commands"
	"github.com/rcourtman/taskgate/internal/taskgate/crm"
	"github.com/rcourtman/taskgate/internal/taskgate/principal"
	"github.com/rcourtman/taskgate/internal/taskgate/slack"
	"github.com/rcourtman/taskgate/internal/taskgate/store"
)

const (
	shutdownTimeout = 30 * time.Second
	rateWindow      = time.Minute
)

// Deps are the external resources a Server is built on.
type Deps struct {
	Store *store.Store
	// Slack is nil when chat is not configured.
	Slack *slack.API
	// Redis backs shared rate limits; nil selects in-process limiters.
	Redis redis.Scripter
	// OIDC is nil when platform login is not configured.
	OIDC   *principal.OIDCLogin
	Logger zerolog.Logger
}

// Server holds every request-path component.
type Server struct {
	cfg      *Config
	store    *store.Store
	tokens   *principal.TokenIssuer
	sessions *principal.SessionStore
	resolver *principal.Resolver
	oidc     *principal.OIDCLogin
	policy   *access.Policy
	bridge   *billing.Bridge
	webhook  http.Handler

	dispatcher *commands.Dispatcher
	slash      http.Handler
	reporter   *commands.Reporter
	crm        *crm.Recorder

	signupLimiter  Limiter
	webhookLimiter Limiter

	logger zerolog.Logger
	now    func() time.Time
}

// NewSessionStore builds the platform session store for cfg.
func NewSessionStore(cfg *Config) (*principal.SessionStore, error) {
	return principal.NewSessionStore(cfg.SessionSecret, cfg.SecureCookies)
}

// NewServer assembles the service. The CRM recorder is started here and
// stopped by Close.
func NewServer(cfg *Config, sessions *principal.SessionStore, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("taskgate: store is required")
	}
	tokens, err := principal.NewTokenIssuer(cfg.TokenSecret)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger

	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		tokens:   tokens,
		sessions: sessions,
		resolver: principal.NewResolver(tokens, sessions, deps.Store, logging.Component(logger, "resolver")),
		oidc:     deps.OIDC,
		policy:   access.NewPolicy(deps.Store),
		logger:   logger,
		now:      time.Now,
	}
	s.resolver.SetProvisioner(s.policy)
	if s.oidc != nil {
		s.oidc.SetProvisioner(s.policy)
	}
	s.bridge = billing.NewBridge(billing.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		BaseURL:       cfg.BaseURL,
	}, s.policy, deps.Store)
	s.webhook = billing.NewWebhookHandler(cfg.StripeWebhookSecret, deps.Store)

	s.dispatcher = commands.NewDispatcher(deps.Store, tokens, s.policy, commands.Config{
		BaseURL:  cfg.BaseURL,
		Location: cfg.Timezone,
	}, logging.Component(logger, "commands"))
	if cfg.SlackSigningSecret != "" {
		s.slash = commands.NewSlashHandler(cfg.SlackSigningSecret, s.dispatcher)
	}
	if deps.Slack != nil && cfg.SlackReportChannel != "" {
		s.reporter = commands.NewReporter(deps.Store, deps.Slack, cfg.SlackReportChannel, cfg.Timezone,
			logging.Component(logger, "report"))
	}
	s.crm = crm.NewRecorder(deps.Store, cfg.CRMQueueSize, logging.Component(logger, "crm"))

	if deps.Redis != nil {
		s.signupLimiter = NewRedisLimiter(deps.Redis, "taskgate:signup", cfg.SignupRateLimit, rateWindow)
		s.webhookLimiter = NewRedisLimiter(deps.Redis, "taskgate:webhook", cfg.WebhookRateLimit, rateWindow)
	} else {
		s.signupLimiter = NewMemoryLimiter(cfg.SignupRateLimit, rateWindow)
		s.webhookLimiter = NewMemoryLimiter(cfg.WebhookRateLimit, rateWindow)
	}
	return s, nil
}

// Dispatcher exposes the slash command router for the socket client.
func (s *Server) Dispatcher() *commands.Dispatcher { return s.dispatcher }

// Reporter is nil unless chat and a report channel are configured.
func (s *Server) Reporter() *commands.Reporter { return s.reporter }

// Close flushes pending telemetry.
func (s *Server) Close(ctx context.Context) error {
	return s.crm.Close(ctx)
}

// Run loads configuration and serves until ctx ends or a signal arrives.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	logger := logging.Init(logging.Config{
		Format:  cfg.LogFormat,
		Level:   cfg.LogLevel,
		Service: "taskgate",
	})
	logger.Info().Str("version", version).Str("db", cfg.DBDriver).Msg("Starting taskgate")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Options{Driver: cfg.DBDriver, DSN: cfg.DatabaseURL, DataDir: cfg.DataDir})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sessions, err := NewSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	deps := Deps{Store: st, Logger: logger}
	if cfg.OIDC.Enabled() {
		deps.OIDC, err = principal.NewOIDCLogin(ctx, cfg.OIDC, sessions)
		if err != nil {
			return fmt.Errorf("platform login: %w", err)
		}
	} else {
		logger.Info().Msg("Platform login disabled (set OIDC_* to enable)")
	}
	if cfg.SlackEnabled() {
		deps.Slack = slack.NewAPI(slack.APIConfig{AppToken: cfg.SlackAppToken, BotToken: cfg.SlackBotToken})
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable; limiter fails open until it recovers")
		}
		deps.Redis = rdb
	}

	srv, err := NewServer(cfg, sessions, deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := srv.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("CRM recorder did not drain")
		}
		return nil
	})

	if deps.Slack != nil {
		socket := slack.NewSocketClient(deps.Slack, srv.Dispatcher(), slack.SocketConfig{},
			logging.Component(logger, "slack"))
		g.Go(func() error { return runChat(gctx, socket, logger) })
		if rep := srv.Reporter(); rep != nil {
			g.Go(func() error {
				rep.Schedule(gctx, cfg.SlackReportHour)
				return nil
			})
		}
	} else {
		logger.Info().Msg("Slack disabled (set SLACK_APP_TOKEN and SLACK_BOT_TOKEN to enable)")
	}

	err = g.Wait()
	logger.Info().Msg("taskgate stopped")
	return err
}

type chatRunner interface {
	Run(ctx context.Context) error
}

// runChat runs the socket client until it stops and never fails the group:
// chat loss leaves the web API serving. The client logs its own failure.
func runChat(ctx context.Context, c chatRunner, logger zerolog.Logger) error {
	if err := c.Run(ctx); err != nil {
		logger.Info().Err(err).Msg("Slack socket client stopped")
	}
	return nil
}

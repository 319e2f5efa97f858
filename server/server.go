// Package server assembles the HTTP surface, the provider adapters, and the
// background loops into one runnable unit. One process can serve webhooks
// only, run the scheduler only, or both, depending on the profile.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/protectogram/inbox"
	"github.com/hrygo/protectogram/incident"
	"github.com/hrygo/protectogram/internal/profile"
	"github.com/hrygo/protectogram/metrics"
	"github.com/hrygo/protectogram/outbox"
	"github.com/hrygo/protectogram/plugin/chat"
	"github.com/hrygo/protectogram/plugin/chat/telegram"
	"github.com/hrygo/protectogram/plugin/voice"
	"github.com/hrygo/protectogram/plugin/voice/telnyx"
	"github.com/hrygo/protectogram/scheduler"
	"github.com/hrygo/protectogram/server/router/admin"
	"github.com/hrygo/protectogram/server/router/webhook"
	"github.com/hrygo/protectogram/store"
)

// Server is the assembled deployment unit.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	recorder   *metrics.Recorder
	incident   *incident.Service
	sweeper    *inbox.Sweeper

	// runner is nil when this replica does not run the scheduler.
	runner *scheduler.Runner

	// chatChannel is nil when the bot token is absent (dev without chat).
	chatChannel *telegram.Channel
}

func NewServer(ctx context.Context, prof *profile.Profile, st *store.Store) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		// Probe traffic would drown the log.
		Skipper: func(c echo.Context) bool {
			p := c.Path()
			return p == "/health/live" || p == "/health/ready" || p == "/metrics"
		},
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.Info("request", attrs...)
			return nil
		},
	}))

	recorder := metrics.NewRecorder(metrics.DefaultConfig())

	s := &Server{
		Profile:    prof,
		Store:      st,
		echoServer: e,
		recorder:   recorder,
	}

	var channel chat.Channel
	if prof.ChatBotToken != "" {
		tg, err := telegram.NewChannel(&telegram.Config{BotToken: prof.ChatBotToken})
		if err != nil {
			return nil, fmt.Errorf("failed to create chat channel: %w", err)
		}
		s.chatChannel = tg
		channel = tg
	} else {
		channel = disabledChannel{}
	}

	var caller voice.Caller
	var continuer webhook.AnswerContinuer
	if prof.VoiceConfigured() {
		tc := telnyx.NewCaller(&telnyx.Config{
			APIKey:       prof.VoiceAPIKey,
			ConnectionID: prof.VoiceConnectionID,
			FromNumber:   prof.VoiceFromNumber,
		})
		caller = tc
		continuer = tc
	} else {
		caller = disabledCaller{}
	}

	dispatcher := outbox.NewDispatcher(st, channel, caller, recorder, outbox.Config{
		VoiceWebhookURL: prof.WebhookURL("/webhook/voice"),
	})
	s.incident = incident.NewService(prof, st, dispatcher, channel, recorder)

	deduper := inbox.NewDeduper(st, recorder)
	webhookService := webhook.NewService(prof, deduper, s.incident, continuer, recorder)
	webhookService.RegisterRoutes(e)

	adminService := admin.NewService(prof, st, s.incident)
	adminService.RegisterRoutes(e)

	s.sweeper = inbox.NewSweeper(st, deduper, recorder)
	s.sweeper.Register(store.ProviderTelegram, webhookService.RedispatchChat)
	s.sweeper.Register(store.ProviderTelnyx, webhookService.RedispatchVoice)

	if prof.SchedulerEnabled {
		s.runner = scheduler.NewRunner(st, recorder, scheduler.DefaultConfig())
		s.incident.RegisterHandlers(s.runner)
	}

	e.GET("/health/live", s.livenessHandler)
	e.GET("/health/ready", s.readinessHandler)
	e.GET("/metrics", echo.WrapHandler(recorder.Handler()))

	return s, nil
}

// Start launches the background loops and the HTTP listener. It returns once
// the listener goroutine is up; listener failures surface through the logs.
func (s *Server) Start(ctx context.Context) error {
	if s.runner != nil {
		if err := s.runner.Start(ctx); err != nil {
			return err
		}
	}
	s.sweeper.Start()

	s.registerChatWebhook(ctx)

	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "error", err)
		}
	}()

	slog.Info("server started",
		"address", address,
		"mode", s.Profile.Mode,
		"version", s.Profile.Version,
		"scheduler", s.runner != nil,
	)
	return nil
}

// Shutdown stops intake first so no webhook lands mid-teardown, then drains
// the background loops and closes the store.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown http server", "error", err)
	}
	if s.runner != nil {
		s.runner.Stop()
	}
	s.sweeper.Stop()
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	slog.Info("server shutdown complete")
}

// registerChatWebhook points the chat provider at this deployment. Best
// effort: a previously registered webhook keeps working when the call fails.
func (s *Server) registerChatWebhook(ctx context.Context) {
	if s.chatChannel == nil || s.Profile.InstanceURL == "" || s.Profile.ChatWebhookSecret == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := s.Profile.WebhookURL("/webhook/chat")
	if err := s.chatChannel.SetWebhook(ctx, url, s.Profile.ChatWebhookSecret); err != nil {
		slog.Warn("failed to register chat webhook", "url", url, "error", err)
	}
}

func (s *Server) livenessHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// readinessHandler reports whether this replica can do useful work: the
// database answers and, when this replica runs the scheduler, its heartbeat
// is recent. Three missed heartbeats mean the loop is dead.
func (s *Server) readinessHandler(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := s.Store.Ping(ctx); err != nil {
		slog.Warn("readiness: database ping failed", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "database unreachable",
		})
	}

	if s.runner != nil {
		last := s.runner.LastHeartbeat()
		if last.IsZero() || time.Since(last) > 3*s.runner.HeartbeatInterval() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": "scheduler heartbeat stale",
			})
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

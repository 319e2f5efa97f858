// Package webhook terminates provider callbacks and feeds them through the
// inbox into the domain.
//
// Both endpoints follow the same shape: authenticate, parse, record in the
// inbox, then run the domain handler inline. Non-2xx responses are reserved
// for bad credentials and malformed bodies; a domain failure is logged and
// answered 200 so the provider does not storm us with redeliveries, and the
// unprocessed inbox row is picked up by the sweeper instead.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/protectogram/inbox"
	"github.com/hrygo/protectogram/incident"
	"github.com/hrygo/protectogram/internal/profile"
	"github.com/hrygo/protectogram/metrics"
	"github.com/hrygo/protectogram/plugin/chat/telegram"
	"github.com/hrygo/protectogram/plugin/voice"
	"github.com/hrygo/protectogram/plugin/voice/telnyx"
	"github.com/hrygo/protectogram/store"
)

// AnswerContinuer resumes the scripted gather once the callee picks up. The
// Telnyx caller implements it; tests substitute a fake.
type AnswerContinuer interface {
	ContinueAnswered(ctx context.Context, providerCallID, state string) error
}

// Service owns the two webhook endpoints.
type Service struct {
	profile   *profile.Profile
	deduper   *inbox.Deduper
	incident  *incident.Service
	continuer AnswerContinuer
	recorder  *metrics.Recorder
}

func NewService(prof *profile.Profile, deduper *inbox.Deduper, incidentService *incident.Service, continuer AnswerContinuer, recorder *metrics.Recorder) *Service {
	return &Service{
		profile:   prof,
		deduper:   deduper,
		incident:  incidentService,
		continuer: continuer,
		recorder:  recorder,
	}
}

// RegisterRoutes mounts the provider endpoints.
func (s *Service) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/webhook")
	g.POST("/chat", s.handleChat)
	g.POST("/voice", s.handleVoice)
}

func (s *Service) handleChat(c echo.Context) error {
	req := c.Request()
	if !telegram.VerifyRequest(req, s.profile.ChatWebhookSecret) {
		s.recorder.RecordWebhookEvent(string(store.ProviderTelegram), "unauthorized")
		return echo.NewHTTPError(http.StatusUnauthorized, "bad webhook credentials")
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	update, err := telegram.ParseUpdate(body)
	if err != nil {
		s.recorder.RecordWebhookEvent(string(store.ProviderTelegram), "malformed")
		return echo.NewHTTPError(http.StatusBadRequest, "malformed update")
	}

	ctx := req.Context()
	event, fresh, err := s.deduper.Record(ctx, store.ProviderTelegram, update.EventID, body)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record delivery").SetInternal(err)
	}
	if !fresh {
		return c.NoContent(http.StatusOK)
	}

	log := slog.With(
		"provider", store.ProviderTelegram,
		"event_id", update.EventID,
		"correlation_id", event.CorrelationID,
	)
	if err := s.incident.HandleChatUpdate(ctx, update); err != nil {
		log.Error("chat update failed, left for redrive", "error", err)
		s.recorder.RecordWebhookEvent(string(store.ProviderTelegram), "deferred")
		return c.NoContent(http.StatusOK)
	}
	if err := s.deduper.MarkProcessed(ctx, store.ProviderTelegram, update.EventID); err != nil {
		// The handler is idempotent, so the eventual redrive is harmless.
		log.Warn("mark processed failed", "error", err)
	}
	s.recorder.RecordWebhookEvent(string(store.ProviderTelegram), "handled")
	return c.NoContent(http.StatusOK)
}

func (s *Service) handleVoice(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	if !telnyx.VerifyRequest(req, body, s.profile.VoiceWebhookSecret) {
		s.recorder.RecordWebhookEvent(string(store.ProviderTelnyx), "unauthorized")
		return echo.NewHTTPError(http.StatusUnauthorized, "bad webhook signature")
	}

	event, clientState, err := telnyx.ParseEvent(body)
	if errors.Is(err, telnyx.ErrEventIgnored) {
		s.recorder.RecordWebhookEvent(string(store.ProviderTelnyx), "ignored")
		return c.NoContent(http.StatusOK)
	}
	if err != nil {
		s.recorder.RecordWebhookEvent(string(store.ProviderTelnyx), "malformed")
		return echo.NewHTTPError(http.StatusBadRequest, "malformed event")
	}

	ctx := req.Context()
	inboxEvent, fresh, err := s.deduper.Record(ctx, store.ProviderTelnyx, event.EventID, body)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record delivery").SetInternal(err)
	}
	if !fresh {
		return c.NoContent(http.StatusOK)
	}

	log := slog.With(
		"provider", store.ProviderTelnyx,
		"event_id", event.EventID,
		"correlation_id", inboxEvent.CorrelationID,
		"call_id", event.ProviderCallID,
		"kind", event.Kind,
	)
	if err := s.dispatchVoice(ctx, event, clientState); err != nil {
		log.Error("voice event failed, left for redrive", "error", err)
		s.recorder.RecordWebhookEvent(string(store.ProviderTelnyx), "deferred")
		return c.NoContent(http.StatusOK)
	}
	if err := s.deduper.MarkProcessed(ctx, store.ProviderTelnyx, event.EventID); err != nil {
		log.Warn("mark processed failed", "error", err)
	}
	s.recorder.RecordWebhookEvent(string(store.ProviderTelnyx), "handled")
	return c.NoContent(http.StatusOK)
}

// dispatchVoice resumes the call script on answer, then hands the event to
// the domain. The continuation is best effort: if the gather cannot be
// issued the callee hears silence and the ring watchdog settles the attempt,
// whereas blocking redelivery on a call that already ended would wedge the
// inbox row for good.
func (s *Service) dispatchVoice(ctx context.Context, event *voice.Event, clientState string) error {
	if event.Kind == voice.EventAnswered && clientState != "" {
		if s.continuer == nil {
			slog.Warn("answered call has no continuer configured", "call_id", event.ProviderCallID)
		} else if err := s.continuer.ContinueAnswered(ctx, event.ProviderCallID, clientState); err != nil {
			slog.Warn("failed to continue answered call", "call_id", event.ProviderCallID, "error", err)
		}
	}
	return s.incident.HandleVoiceEvent(ctx, event)
}

// RedispatchChat re-runs a stale chat delivery from its stored payload.
func (s *Service) RedispatchChat(ctx context.Context, event *store.InboxEvent) error {
	update, err := telegram.ParseUpdate(event.Payload)
	if err != nil {
		// The payload parsed at intake; failing now means the row is corrupt.
		// Retire it instead of re-warning every sweep.
		slog.Error("redrive: stored chat payload unparseable",
			"correlation_id", event.CorrelationID, "error", err)
		return nil
	}
	if err := s.incident.HandleChatUpdate(ctx, update); err != nil {
		return fmt.Errorf("redrive of chat update %s: %w", event.ProviderEventID, err)
	}
	return nil
}

// RedispatchVoice re-runs a stale voice delivery from its stored payload.
func (s *Service) RedispatchVoice(ctx context.Context, event *store.InboxEvent) error {
	parsed, clientState, err := telnyx.ParseEvent(event.Payload)
	if err != nil {
		slog.Error("redrive: stored voice payload unparseable",
			"correlation_id", event.CorrelationID, "error", err)
		return nil
	}
	if err := s.dispatchVoice(ctx, parsed, clientState); err != nil {
		return fmt.Errorf("redrive of voice event %s: %w", event.ProviderEventID, err)
	}
	return nil
}

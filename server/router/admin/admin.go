// Package admin exposes the operator surface: smoke-test panic triggering
// and schema migration control, all behind the X-Admin-Key header.
package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/protectogram/incident"
	"github.com/hrygo/protectogram/internal/profile"
	"github.com/hrygo/protectogram/store"
)

// KeyHeader authenticates every admin request.
const KeyHeader = "X-Admin-Key"

// Service owns the admin endpoints.
type Service struct {
	profile  *profile.Profile
	store    *store.Store
	incident *incident.Service
}

func NewService(prof *profile.Profile, st *store.Store, incidentService *incident.Service) *Service {
	return &Service{profile: prof, store: st, incident: incidentService}
}

// RegisterRoutes mounts the admin endpoints behind the key check.
func (s *Service) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/admin", s.requireKey)
	g.POST("/panic/trigger", s.triggerPanic)
	g.GET("/migrations/status", s.migrationStatus)
	g.POST("/migrations/apply", s.applyMigrations)
}

// requireKey rejects requests without the exact admin key. An empty
// configured key disables the surface entirely; comparing against it would
// otherwise accept an empty header.
func (s *Service) requireKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.profile.AdminKey == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "admin surface disabled")
		}
		key := c.Request().Header.Get(KeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.profile.AdminKey)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin key")
		}
		return next(c)
	}
}

type triggerPanicRequest struct {
	TravelerID         *int32 `json:"traveler_id"`
	ChatProviderUserID *int64 `json:"chat_provider_user_id"`
}

type triggerPanicResponse struct {
	IncidentID string `json:"incident_id"`
	Status     string `json:"status"`
}

// triggerPanic opens an incident exactly as the chat path would. Staging
// smoke tests use it to exercise the cascade without a real chat update.
func (s *Service) triggerPanic(c echo.Context) error {
	var req triggerPanicRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	find := &store.FindUser{}
	switch {
	case req.TravelerID != nil:
		find.ID = req.TravelerID
	case req.ChatProviderUserID != nil:
		find.ChatUserID = req.ChatProviderUserID
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "traveler_id or chat_provider_user_id is required")
	}

	ctx := c.Request().Context()
	traveler, err := s.store.GetUser(ctx, find)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "traveler not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load traveler").SetInternal(err)
	}

	opened, _, err := s.incident.Open(ctx, traveler.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open incident").SetInternal(err)
	}
	return c.JSON(http.StatusOK, triggerPanicResponse{
		IncidentID: opened.ID.String(),
		Status:     string(opened.Status),
	})
}

type migrationStatusResponse struct {
	Version string   `json:"version"`
	Pending []string `json:"pending"`
}

func (s *Service) migrationStatus(c echo.Context) error {
	ctx := c.Request().Context()
	current, err := s.store.CurrentSchemaVersion(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read schema version").SetInternal(err)
	}
	pending, err := s.store.PendingMigrations(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list pending migrations").SetInternal(err)
	}
	names := make([]string, 0, len(pending))
	for _, m := range pending {
		names = append(names, m.Version)
	}
	return c.JSON(http.StatusOK, migrationStatusResponse{Version: current, Pending: names})
}

func (s *Service) applyMigrations(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.store.Migrate(ctx); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "migration failed").SetInternal(err)
	}
	current, err := s.store.CurrentSchemaVersion(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read schema version").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"version": current})
}

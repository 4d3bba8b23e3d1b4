package reconcile

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/domain/catalog"
	"github.com/labflow/labflow/internal/domain/order"
	"github.com/labflow/labflow/internal/platform/auth"
)

// Handler exposes the reconciliation routines as admin-only endpoints.
type Handler struct {
	service *Service
	logger  zerolog.Logger
}

func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	admin := g.Group("/admin/reconcile", auth.RequireRole("admin"))
	admin.GET("/orphans", h.Scan)
	admin.POST("/test-definitions", h.RepairDefinition)
	admin.POST("/orders/:id/rebind", h.Rebind)
}

func (h *Handler) Scan(c echo.Context) error {
	report, err := h.service.FindOrphanedReferences(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("orphan scan failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "orphan scan failed")
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) RepairDefinition(c echo.Context) error {
	var def catalog.TestDefinition
	if err := c.Bind(&def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	inserted, err := h.service.RepairTestDefinition(c.Request().Context(), &def)
	if errors.Is(err, catalog.ErrInvalidDefinition) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("definition repair failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "definition repair failed")
	}

	status := http.StatusOK
	if inserted {
		status = http.StatusCreated
	}
	return c.JSON(status, map[string]bool{"inserted": inserted})
}

type rebindRequest struct {
	Field string    `json:"field"`
	NewID uuid.UUID `json:"new_id"`
}

func (h *Handler) Rebind(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	var req rebindRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	field, err := ParseRebindField(req.Field)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	err = h.service.RebindOrderReference(c.Request().Context(), orderID, field, req.NewID)
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, order.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrInvalidReference), errors.Is(err, order.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error().Err(err).Msg("rebind failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "rebind failed")
	}
}

package catalog

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/labflow/labflow/internal/platform/auth"
	"github.com/labflow/labflow/pkg/pagination"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/test-definitions", h.List)
	g.GET("/test-definitions/:id", h.Get)
	g.DELETE("/test-definitions/:id", h.Deactivate, auth.RequireRole("admin"))
}

func (h *Handler) List(c echo.Context) error {
	params := pagination.FromContext(c)
	activeOnly := c.QueryParam("active") != "false"

	defs, total, err := h.service.List(c.Request().Context(), activeOnly, params.Limit, params.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list test definitions")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(defs, total, params.Limit, params.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid test definition id")
	}

	def, err := h.service.Get(c.Request().Context(), id)
	if errors.Is(err, ErrDefinitionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "test definition not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get test definition")
	}
	return c.JSON(http.StatusOK, def)
}

// Deactivate retires a definition from ordering. Existing orders keep
// their price snapshots; the row itself is never deleted.
func (h *Handler) Deactivate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid test definition id")
	}

	if err := h.service.Deactivate(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrDefinitionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "test definition not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to deactivate test definition")
	}
	return c.NoContent(http.StatusNoContent)
}

package queue

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/domain/order"
)

type Handler struct {
	service *Service
	logger  zerolog.Logger
}

func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/queue", h.GetQueue)
}

func (h *Handler) GetQueue(c echo.Context) error {
	// No pagination here: the sort contract is global (priority rank,
	// then age) and every matching order must appear exactly once.
	filter := order.Filter{
		Status:   order.OrderStatus(c.QueryParam("status")),
		Priority: order.Priority(c.QueryParam("priority")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status filter")
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown priority filter")
	}

	entries, err := h.service.GetQueue(c.Request().Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to build queue")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to build queue")
	}
	return c.JSON(http.StatusOK, entries)
}

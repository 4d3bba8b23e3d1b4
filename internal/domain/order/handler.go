package order

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/platform/auth"
	"github.com/labflow/labflow/pkg/pagination"
)

type Handler struct {
	service *Service
	logger  zerolog.Logger
}

func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/lab-orders", h.Create)
	g.GET("/lab-orders", h.List)
	g.GET("/lab-orders/:id", h.Get)
	g.GET("/lab-orders/:id/status-history", h.History)
	g.POST("/lab-orders/:id/tests", h.AppendTest)
	g.DELETE("/lab-orders/:id/tests/:itemId", h.RemoveTest)
	g.POST("/lab-orders/:id/tests/:itemId/status", h.TransitionTest)
	g.POST("/lab-orders/:id/cancel", h.Cancel)
	g.DELETE("/lab-orders/:id", h.Delete, auth.RequireRole("admin"))
}

func (h *Handler) Create(c echo.Context) error {
	var input CreateOrderInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	o, err := h.service.CreateOrder(c.Request().Context(), input)
	if err != nil {
		return h.mapError(c, err, "failed to create order")
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) List(c echo.Context) error {
	params := pagination.FromContext(c)
	filter := Filter{
		Status:        OrderStatus(c.QueryParam("status")),
		Priority:      Priority(c.QueryParam("priority")),
		IncludeClosed: c.QueryParam("include_closed") == "true",
		Limit:         params.Limit,
		Offset:        params.Offset,
	}

	orders, total, err := h.service.ListOrders(c.Request().Context(), filter)
	if err != nil {
		return h.mapError(c, err, "failed to list orders")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orders, total, params.Limit, params.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}

	o, err := h.service.GetOrder(c.Request().Context(), id)
	if err != nil {
		return h.mapError(c, err, "failed to get order")
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) History(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}

	changes, err := h.service.GetStatusHistory(c.Request().Context(), id)
	if err != nil {
		return h.mapError(c, err, "failed to get order history")
	}
	return c.JSON(http.StatusOK, changes)
}

func (h *Handler) AppendTest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	var req TestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	o, err := h.service.AppendTest(c.Request().Context(), id, req, auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return h.mapError(c, err, "failed to append test")
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) RemoveTest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	itemID, err := uuid.Parse(c.Param("itemId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid test item id")
	}

	o, err := h.service.RemoveTest(c.Request().Context(), id, itemID, auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return h.mapError(c, err, "failed to remove test")
	}
	return c.JSON(http.StatusOK, o)
}

type transitionRequest struct {
	Status TestStatus `json:"status"`
}

func (h *Handler) TransitionTest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	itemID, err := uuid.Parse(c.Param("itemId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid test item id")
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	o, err := h.service.TransitionTestStatus(c.Request().Context(), id, itemID, req.Status, auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return h.mapError(c, err, "failed to transition test status")
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}

	o, err := h.service.CancelOrder(c.Request().Context(), id, auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return h.mapError(c, err, "failed to cancel order")
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}

	if err := h.service.DeleteOrder(c.Request().Context(), id); err != nil {
		return h.mapError(c, err, "failed to delete order")
	}
	return c.NoContent(http.StatusNoContent)
}

// mapError translates the error taxonomy into HTTP status codes so
// clients can tell invalid input, missing resources and retryable
// contention apart.
func (h *Handler) mapError(c echo.Context, err error, fallback string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidReference),
		errors.Is(err, ErrNoTests),
		errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrOrderClosed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrConflictRetryExhausted):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error().Err(err).Str("path", c.Path()).Msg(fallback)
		return echo.NewHTTPError(http.StatusInternalServerError, fallback)
	}
}

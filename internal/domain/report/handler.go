package report

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ris/ris/internal/platform/faults"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes splits the surface: drafting is open to clinical callers,
// validation and deletion go on the guarded group.
func (h *Handler) RegisterRoutes(api, guarded *echo.Group) {
	api.POST("/reports", h.CreateDraft)
	api.GET("/reports/:id", h.GetReport)
	api.PUT("/reports/:id", h.UpdateDraft)
	guarded.POST("/reports/:id/validate", h.Validate)
	guarded.DELETE("/reports/:id", h.Delete)
}

type createReportRequest struct {
	VisitID    uuid.UUID         `json:"visit_id"`
	TemplateID *uuid.UUID        `json:"template_id,omitempty"`
	AuthorID   *uuid.UUID        `json:"author_id,omitempty"`
	Data       map[string]string `json:"data"`
}

type updateReportRequest struct {
	Data map[string]string `json:"data"`
}

type validateReportRequest struct {
	ActorID uuid.UUID `json:"actor_id"`
}

func (h *Handler) CreateDraft(c echo.Context) error {
	var req createReportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.VisitID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "visit_id is required")
	}
	rep, err := h.svc.CreateDraft(c.Request().Context(), req.VisitID, req.TemplateID, req.AuthorID, req.Data)
	if err != nil {
		return mapReportErr(err)
	}
	return c.JSON(http.StatusCreated, rep)
}

func (h *Handler) GetReport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid report id")
	}
	rep, err := h.svc.GetReport(c.Request().Context(), id)
	if err != nil {
		return mapReportErr(err)
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) UpdateDraft(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid report id")
	}
	var req updateReportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rep, err := h.svc.UpdateDraft(c.Request().Context(), id, req.Data)
	if err != nil {
		return mapReportErr(err)
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) Validate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid report id")
	}
	var req validateReportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ActorID == uuid.Nil {
		// Fall back to the authenticated subject.
		if sub, _ := c.Get("actor_id").(string); sub != "" {
			if id, err := uuid.Parse(sub); err == nil {
				req.ActorID = id
			}
		}
	}
	if req.ActorID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "actor_id is required")
	}
	rep, err := h.svc.Validate(c.Request().Context(), id, req.ActorID)
	if err != nil {
		return mapReportErr(err)
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid report id")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return mapReportErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func mapReportErr(err error) error {
	switch {
	case errors.Is(err, faults.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	case errors.Is(err, ErrImmutable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, faults.ErrValidation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, faults.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

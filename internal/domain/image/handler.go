package image

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/studies/:uid/images", h.ListStudyImages)
}

func (h *Handler) ListStudyImages(c echo.Context) error {
	uid := c.Param("uid")
	if uid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing study instance uid")
	}
	out, err := h.svc.ImagesForStudy(c.Request().Context(), uid)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

package dimse

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ris/ris/internal/platform/imagestore"
)

// OpsHandler exposes listener control and storage capacity to operators.
type OpsHandler struct {
	sup   *Supervisor
	store *imagestore.Store
	mpps  *MPPSSCP
}

func NewOpsHandler(sup *Supervisor, store *imagestore.Store, mpps *MPPSSCP) *OpsHandler {
	return &OpsHandler{sup: sup, store: store, mpps: mpps}
}

func (h *OpsHandler) RegisterRoutes(api *echo.Group) {
	api.GET("/listeners/status", h.ListenerStatus)
	api.POST("/listeners/start", h.StartListeners)
	api.POST("/listeners/stop", h.StopListeners)
	api.GET("/storage/capacity", h.StorageCapacity)
}

func (h *OpsHandler) ListenerStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"listeners":           h.sup.Status(),
		"unknown_event_count": h.mpps.UnknownEventCount(),
	})
}

func (h *OpsHandler) StartListeners(c echo.Context) error {
	if err := h.sup.StartAll(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, h.sup.Status())
}

// StopListeners is advisory; the ports are not guaranteed free on return.
func (h *OpsHandler) StopListeners(c echo.Context) error {
	if err := h.sup.StopAll(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, h.sup.Status())
}

func (h *OpsHandler) StorageCapacity(c echo.Context) error {
	info, err := h.store.Capacity()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, info)
}

package ledger

import (
	"context"
	"net/http"
	"strconv"

	"github.com/hbomb79/Clipsync/internal/history"
	"github.com/labstack/echo/v4"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type (
	Store interface {
		List(ctx context.Context, limit uint64) ([]*history.Entry, error)
		ListFailed(ctx context.Context) ([]*history.Entry, error)
	}

	// Controller exposes the upload ledger. When the ledger is disabled
	// (nil store) every endpoint responds 404.
	Controller struct {
		store Store
	}
)

func New(store Store) *Controller {
	return &Controller{store: store}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.GET("/failed/", controller.listFailed)
}

// list returns the most recent ledger rows. The 'limit' query
// param defaults to 50.
func (controller *Controller) list(ec echo.Context) error {
	if controller.store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Upload history is not enabled")
	}

	limit := uint64(defaultLimit)
	if raw := ec.QueryParam("limit"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || parsed == 0 || parsed > maxLimit {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		limit = parsed
	}

	entries, err := controller.store.List(ec.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusOK, entries)
}

func (controller *Controller) listFailed(ec echo.Context) error {
	if controller.store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Upload history is not enabled")
	}

	entries, err := controller.store.ListFailed(ec.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusOK, entries)
}

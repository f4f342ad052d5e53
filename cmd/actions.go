package cmd

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mikills/shoplog/docstore"

	"github.com/labstack/echo/v4"
)

type Dependencies struct {
	Logbook    *docstore.Logbook
	AppMetrics docstore.AppMetrics
	CacheStats func() docstore.CacheStats
	Logger     *slog.Logger
}

type shopIn struct {
	Name    string `json:"name"`
	City    string `json:"city"`
	Address string `json:"address"`
	Active  *bool  `json:"active"`
}

// entryIn is a partial entry: values are merged key by key so two people
// filling in different items of the same day do not overwrite each other.
type entryIn struct {
	Values  map[string]any `json:"values"`
	Notes   *string        `json:"notes"`
	Issues  []string       `json:"issues"`
	SavedBy string         `json:"savedBy"`
}

type cleaningIn struct {
	Done    map[string]bool `json:"done"`
	Notes   *string         `json:"notes"`
	SavedBy string          `json:"savedBy"`
}

func Register(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.AppMetrics
	if metrics == nil {
		metrics = docstore.NoopAppMetrics{}
	}
	book := deps.Logbook

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})
	e.GET("/metrics/app", func(c echo.Context) error {
		out := map[string]any{"app": metrics.Snapshot()}
		if deps.CacheStats != nil {
			out["cache"] = deps.CacheStats()
		}
		return c.JSON(http.StatusOK, out)
	})

	if book == nil {
		return
	}

	e.GET("/shops", func(c echo.Context) error {
		shops, err := book.Shops(c.Request().Context())
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, shops)
	})

	e.PUT("/shops/:shopID", func(c echo.Context) error {
		var req shopIn
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		shop := docstore.Shop{
			ID:      c.Param("shopID"),
			Name:    strings.TrimSpace(req.Name),
			City:    strings.TrimSpace(req.City),
			Address: strings.TrimSpace(req.Address),
			Active:  req.Active == nil || *req.Active,
		}
		shops, err := book.SaveShop(c.Request().Context(), shop)
		if err != nil {
			return WriteError(c, err)
		}
		logger.InfoContext(c.Request().Context(), "shop saved", "shop_id", shop.ID)
		return c.JSON(http.StatusOK, shops)
	})

	e.DELETE("/shops/:shopID", func(c echo.Context) error {
		shops, err := book.DeleteShop(c.Request().Context(), c.Param("shopID"))
		if err != nil {
			return WriteError(c, err)
		}
		logger.InfoContext(c.Request().Context(), "shop deleted", "shop_id", c.Param("shopID"))
		return c.JSON(http.StatusOK, shops)
	})

	e.GET("/shops/:shopID/template", func(c echo.Context) error {
		tpl, err := book.Template(c.Request().Context(), c.Param("shopID"))
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, tpl)
	})

	e.PUT("/shops/:shopID/template", func(c echo.Context) error {
		var req docstore.TemplateDocument
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		for _, item := range req.Items {
			if strings.TrimSpace(item.ID) == "" {
				return c.JSON(http.StatusBadRequest, map[string]any{"error": "every item requires an id"})
			}
		}
		tpl, err := book.ReplaceTemplate(c.Request().Context(), c.Param("shopID"), req)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, tpl)
	})

	e.GET("/shops/:shopID/entries", func(c echo.Context) error {
		dates, err := book.EntryDates(c.Request().Context(), c.Param("shopID"))
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"dates": dates})
	})

	e.GET("/shops/:shopID/entries/:date", func(c echo.Context) error {
		entry, err := book.Entry(c.Request().Context(), c.Param("shopID"), c.Param("date"))
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, entry)
	})

	e.PUT("/shops/:shopID/entries/:date", func(c echo.Context) error {
		var req entryIn
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		entry, err := book.UpdateEntry(c.Request().Context(), c.Param("shopID"), c.Param("date"), req.SavedBy, func(d *docstore.EntryDocument) error {
			for k, v := range req.Values {
				d.Values[k] = v
			}
			if req.Notes != nil {
				d.Notes = *req.Notes
			}
			if req.Issues != nil {
				d.Issues = req.Issues
			}
			return nil
		})
		if err != nil {
			return WriteError(c, err)
		}
		logger.InfoContext(c.Request().Context(), "entry saved",
			"shop_id", entry.ShopID,
			"date", entry.Date,
			"values", len(req.Values),
		)
		return c.JSON(http.StatusOK, entry)
	})

	e.GET("/shops/:shopID/cleaning", func(c echo.Context) error {
		dates, err := book.CleaningDates(c.Request().Context(), c.Param("shopID"))
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"dates": dates})
	})

	e.GET("/shops/:shopID/cleaning/:date", func(c echo.Context) error {
		log, err := book.CleaningLog(c.Request().Context(), c.Param("shopID"), c.Param("date"))
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, log)
	})

	e.PUT("/shops/:shopID/cleaning/:date", func(c echo.Context) error {
		var req cleaningIn
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		log, err := book.UpdateCleaningLog(c.Request().Context(), c.Param("shopID"), c.Param("date"), req.SavedBy, func(d *docstore.CleaningLogDocument) error {
			for k, v := range req.Done {
				d.Done[k] = v
			}
			if req.Notes != nil {
				d.Notes = *req.Notes
			}
			return nil
		})
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, log)
	})
}

// WriteError maps store errors to HTTP responses.
func WriteError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, docstore.ErrInvalidArgument):
		return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, docstore.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.Is(err, docstore.ErrStaleRevision):
		return c.JSON(http.StatusConflict, map[string]any{"error": "template changed since it was loaded, reload and reapply"})
	case errors.Is(err, docstore.ErrConcurrentModification), errors.Is(err, docstore.ErrConflict):
		return c.JSON(http.StatusConflict, map[string]any{"error": "save failed, please retry"})
	case errors.Is(err, docstore.ErrAuth):
		return c.JSON(http.StatusBadGateway, map[string]any{"error": "backing store rejected credentials"})
	case errors.Is(err, docstore.ErrTemporaryUnavailable),
		errors.Is(err, docstore.ErrWriteLeaseConflict),
		docstore.IsRetryable(err):
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "backing store temporarily unavailable"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
}

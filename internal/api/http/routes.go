package httpapi

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"thameswater-collector/internal/collector"
	"thameswater-collector/internal/meter"
	"thameswater-collector/internal/store"
	"thameswater-collector/internal/thameswater"
)

var validate = validator.New()

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service *collector.Service, st *store.MemoryStore) {
	v1 := app.Group("/api/v1")

	v1.Get("/consumption/latest", func(c *fiber.Ctx) error {
		point, err := st.Latest(store.SeriesConsumption)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no consumption statistics yet")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read statistics")
		}
		return c.JSON(point)
	})

	v1.Get("/consumption", seriesRangeHandler(st, store.SeriesConsumption))
	v1.Get("/cost", seriesRangeHandler(st, store.SeriesCost))

	v1.Post("/backfill", func(c *fiber.Ctx) error {
		var req backfillRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		start, end, err := req.dates()
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		injected, err := service.Backfill(c.UserContext(), start, end)
		if err != nil {
			return upstreamStatus(err)
		}
		return c.JSON(fiber.Map{
			"injected_hours": injected,
			"from":           start.Format("2006-01-02"),
			"to":             end.Format("2006-01-02"),
		})
	})

	v1.Get("/settings", func(c *fiber.Ctx) error {
		resp := fiber.Map{
			"cost_per_cubic_metre": st.CostPerCubicMetre(),
			"initial_reading":      nil,
		}
		if baseline, ok := st.Baseline(); ok {
			resp["initial_reading"] = baseline
		}
		return c.JSON(resp)
	})

	v1.Put("/settings", func(c *fiber.Ctx) error {
		var req settingsRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if req.CostPerCubicMetre != nil {
			st.SetCostPerCubicMetre(*req.CostPerCubicMetre)
		}
		if req.InitialReading != nil {
			st.SetBaseline(*req.InitialReading)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func seriesRangeHandler(st *store.MemoryStore, series store.Series) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req rangeQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		points, err := st.Range(series, req.From, req.To)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no statistics for requested range")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read statistics")
		}

		return c.JSON(fiber.Map{
			"series": series,
			"from":   req.From,
			"to":     req.To,
			"points": points,
		})
	}
}

// upstreamStatus maps collector failures onto responses that tell the
// operator whether to rotate credentials or simply retry later.
func upstreamStatus(err error) error {
	switch {
	case thameswater.IsAuthError(err):
		return fiber.NewError(fiber.StatusBadGateway, "portal authentication failed; check credentials")
	case errors.Is(err, meter.ErrInvalidInput):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(fiber.StatusBadGateway, "upstream fetch failed; retry later")
	}
}

// rangeQuery holds query parameters for the range endpoints.
type rangeQuery struct {
	From time.Time `validate:"required"`
	To   time.Time `validate:"required,gtefield=From"`
}

func (r *rangeQuery) bind(c *fiber.Ctx) error {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}

	r.From = from
	r.To = to
	return nil
}

// backfillRequest is the body of POST /backfill. Dates are calendar days;
// end_date defaults to the newest day the portal has published.
type backfillRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (r backfillRequest) dates() (time.Time, time.Time, error) {
	if r.StartDate == "" {
		return time.Time{}, time.Time{}, errors.New("start_date is required")
	}
	start, err := time.Parse("2006-01-02", r.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("start_date must be YYYY-MM-DD")
	}

	var end time.Time
	if r.EndDate == "" {
		now := time.Now().UTC().AddDate(0, 0, -3)
		end = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		end, err = time.Parse("2006-01-02", r.EndDate)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("end_date must be YYYY-MM-DD")
		}
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("end_date must not precede start_date")
	}
	return start, end, nil
}

// settingsRequest updates the host-owned settings. Negative values are
// rejected here so the pure cost projection never has to clamp.
type settingsRequest struct {
	CostPerCubicMetre *float64 `json:"cost_per_cubic_metre" validate:"omitempty,gte=0"`
	InitialReading    *float64 `json:"initial_reading" validate:"omitempty,gte=0"`
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}

package predict

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/HatiCode/revcast/pkg/adapters"
	"github.com/HatiCode/revcast/pkg/calendar"
	"github.com/HatiCode/revcast/pkg/features"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Period presets.
const (
	PresetWeekly  = "weekly"
	PresetMonthly = "monthly"
)

var presetDays = map[string]int{
	PresetWeekly:  7,
	PresetMonthly: 30,
}

// Weather is the observed or forecast weather for the target date.
type Weather struct {
	Temperature   float64 `json:"temperature"`
	Precipitation float64 `json:"precipitation" validate:"gte=0"`
	Condition     string  `json:"condition" validate:"max=64"`
}

// DailyRequest asks for the corrected forecast of one store-day.
//
// Recent maps an offset in days before Date to the revenue recorded then,
// for offsets 1 to 14. Offsets 1, 2, 7 and 14 feed the residual features;
// the full two weeks also drive closure inference in composed forecasts.
type DailyRequest struct {
	StoreID   string          `json:"store_id" validate:"required,max=128"`
	Date      string          `json:"date" validate:"required,datetime=2006-01-02"`
	Archetype *int            `json:"archetype_id,omitempty" validate:"omitempty,gte=0"`
	Recent    map[int]float64 `json:"recent" validate:"dive,keys,min=1,max=14,endkeys,gte=0"`
	Weather   Weather         `json:"weather"`
}

// PeriodRequest asks for baseline-only forecasts over consecutive days
// starting at Date. Exactly one of Horizon and Preset is set.
type PeriodRequest struct {
	StoreID string `json:"store_id" validate:"required,max=128"`
	Date    string `json:"date" validate:"required,datetime=2006-01-02"`
	Horizon int    `json:"horizon,omitempty" validate:"omitempty,min=1,max=366"`
	Preset  string `json:"preset,omitempty" validate:"omitempty,oneof=weekly monthly"`
}

// Days resolves the horizon length.
func (r PeriodRequest) Days() int {
	if r.Horizon > 0 {
		return r.Horizon
	}
	return presetDays[r.Preset]
}

// Validate checks a request and returns an error wrapping ErrInvalidRequest.
func Validate(req any) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, describe(err))
	}
	if p, ok := req.(PeriodRequest); ok {
		if (p.Horizon > 0) == (p.Preset != "") {
			return fmt.Errorf("%w: exactly one of horizon and preset is required", ErrInvalidRequest)
		}
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "datetime":
			msgs = append(msgs, fmt.Sprintf("%s must be a YYYY-MM-DD date", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", ")))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed validation: %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}

func parseDate(s string) (time.Time, error) {
	t, err := calendar.ParseDay(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return t, nil
}

// RequestsFromFrame converts a forecast input table into daily requests.
// Recognized columns are store_id, date, rev_t-1 to rev_t-14, the weather
// columns accepted by features.Builder.Weather and an optional archetype_id
// or cluster_id. Rows without a store or date are skipped and counted.
func RequestsFromFrame(df adapters.DataFrame) ([]DailyRequest, int, error) {
	var out []DailyRequest
	skipped := 0

	for _, row := range df.Rows {
		id, ok := features.StoreID(row["store_id"])
		if !ok {
			skipped++
			continue
		}
		date, err := features.ParseDate(row["date"])
		if err != nil {
			skipped++
			continue
		}

		req := DailyRequest{
			StoreID: id,
			Date:    calendar.FormatDay(date),
			Recent:  make(map[int]float64),
		}
		for off := 1; off <= 14; off++ {
			if v, ok := features.ToFloat64(row[fmt.Sprintf("rev_t-%d", off)]); ok {
				req.Recent[off] = v
			}
		}
		req.Weather.Temperature, _ = features.ToFloat64(first(row, "temperature", "temp", "feeling"))
		req.Weather.Precipitation, _ = features.ToFloat64(first(row, "precipitation", "rain"))
		req.Weather.Condition, _ = first(row, "weather", "condition").(string)
		if v, ok := features.ToFloat64(first(row, "archetype_id", "cluster_id")); ok {
			a := int(v)
			req.Archetype = &a
		}
		out = append(out, req)
	}

	if len(out) == 0 {
		return nil, skipped, fmt.Errorf("forecast inputs: %w", features.ErrNoRows)
	}
	return out, skipped, nil
}

func first(row adapters.Row, names ...string) any {
	for _, n := range names {
		if v, ok := row[n]; ok && v != nil {
			return v
		}
	}
	return nil
}

package ingest

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/devrev/weatherdb/internal/model"
)

// Known dataset formats
const (
	FormatSeattleWeather    = "seattle-weather"
	FormatTestset           = "testset"
	FormatWeatherPrediction = "weather_prediction_dataset"
	FormatWeather           = "weather"
)

// ErrMissingField marks a row with an absent or empty required column
var ErrMissingField = errors.New("missing field")

// formatOrder lists formats most specific first, since "weather" is a
// substring of the other names
var formatOrder = []string{
	FormatSeattleWeather,
	FormatTestset,
	FormatWeatherPrediction,
	FormatWeather,
}

// DetectFormat picks the format from the file's base name, or "" when the
// name matches none
func DetectFormat(path string) string {
	name := filepath.Base(path)
	for _, f := range formatOrder {
		if strings.Contains(name, f) {
			return f
		}
	}
	return ""
}

// IsKnownFormat reports whether format has an extractor
func IsKnownFormat(format string) bool {
	_, ok := extractors[format]
	return ok
}

// column maps a CSV column onto a record field. Cleaned columns treat "" and
// "N/A" as missing.
type column struct {
	field  string
	source string
	clean  bool
}

type extractor struct {
	dateColumn string
	parseDate  func(raw string) (date string, extra map[string]string, err error)
	columns    []column
	// passthrough copies every other column verbatim
	passthrough bool
}

var extractors = map[string]extractor{
	FormatSeattleWeather: {
		dateColumn: "date",
		parseDate:  plainDate,
		columns: []column{
			{"precipitation", "precipitation", true},
			{"temp_max", "temp_max", true},
			{"temp_min", "temp_min", true},
			{"wind", "wind", true},
			{"weather", "weather", true},
		},
	},
	FormatTestset: {
		dateColumn:  "datetime_utc",
		parseDate:   testsetDate,
		passthrough: true,
	},
	FormatWeatherPrediction: {
		dateColumn: "DATE",
		parseDate:  plainDate,
		columns: []column{
			{"month", "MONTH", false},
			{"base_cloud_cover", "BASEL_cloud_cover", true},
			{"base_humidity", "BASEL_humidity", true},
			{"base_pressure", "BASEL_pressure", true},
			{"base_global_radiation", "BASEL_global_radiation", true},
			{"base_precipitation", "BASEL_precipitation", true},
			{"base_temp_mean", "BASEL_temp_mean", true},
			{"base_temp_min", "BASEL_temp_min", true},
			{"base_temp_max", "BASEL_temp_max", true},
		},
	},
	FormatWeather: {
		dateColumn: "Date.Full",
		parseDate:  plainDate,
		columns: []column{
			{"precipitation", "Data.Precipitation", true},
			{"month", "Date.Month", false},
			{"city", "Station.City", true},
			{"station_code", "Station.Code", true},
			{"avg_temp", "Data.Temperature.Avg Temp", true},
			{"wind_speed", "Data.Wind.Speed", true},
		},
	},
}

func plainDate(raw string) (string, map[string]string, error) {
	date, err := model.CanonicalDate(raw)
	return date, nil, err
}

// testsetDate splits "YYYYMMDD-HH:MM" into the date and the utc time
func testsetDate(raw string) (string, map[string]string, error) {
	day, utc, ok := strings.Cut(strings.TrimSpace(raw), "-")
	if !ok || len(day) != 8 {
		return "", nil, fmt.Errorf("unrecognized testset timestamp %q", raw)
	}
	date, err := model.CanonicalDate(day)
	if err != nil {
		return "", nil, err
	}
	return date, map[string]string{"utc": utc}, nil
}

func missing(v string) bool {
	return v == "" || v == "N/A"
}

// Extract converts one CSV row, keyed by header, into a record
func Extract(row map[string]string, format string) (model.Record, error) {
	ex, ok := extractors[format]
	if !ok {
		return model.Record{}, fmt.Errorf("unknown format %q", format)
	}

	rawDate, ok := row[ex.dateColumn]
	if !ok || missing(rawDate) {
		return model.Record{}, fmt.Errorf("%w: %s", ErrMissingField, ex.dateColumn)
	}
	date, extra, err := ex.parseDate(rawDate)
	if err != nil {
		return model.Record{}, err
	}

	fields := make(map[string]string, len(ex.columns)+len(extra))
	for _, c := range ex.columns {
		v, ok := row[c.source]
		if !ok || (c.clean && missing(v)) {
			return model.Record{}, fmt.Errorf("%w: %s", ErrMissingField, c.source)
		}
		fields[c.field] = v
	}
	if ex.passthrough {
		for k, v := range row {
			if k != ex.dateColumn {
				fields[k] = v
			}
		}
	}
	for k, v := range extra {
		fields[k] = v
	}

	return model.Record{Date: date, Fields: fields}, nil
}

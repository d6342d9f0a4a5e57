package models

import (
	"encoding/json"
	"sort"
	"strings"
)

// UnknownCondition is the canonical label for an empty weather condition.
const UnknownCondition = "Unknown"

// reduced-visibility labels collapse into one category.
var conditionAliases = map[string]string{
	"haze":  "Fog",
	"mist":  "Fog",
	"smoke": "Fog",
	"fog":   "Fog",
}

// NormalizeCondition maps near-duplicate weather labels onto a reduced
// vocabulary. Matching is case-insensitive; other labels are trimmed and
// returned unchanged.
func NormalizeCondition(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return UnknownCondition
	}
	if canon, ok := conditionAliases[strings.ToLower(s)]; ok {
		return canon
	}
	return s
}

// WeatherEncoder maps weather condition labels to integer codes.
//
// Classes are sorted so codes do not depend on input order. A label that was
// not seen during Fit encodes to len(Classes), a reserved bucket shared by all
// unseen labels.
type WeatherEncoder struct {
	Classes []string `json:"classes"`
	index   map[string]int
}

// Fit learns the sorted set of normalized labels.
func (e *WeatherEncoder) Fit(conditions []string) {
	seen := make(map[string]bool)
	for _, c := range conditions {
		seen[NormalizeCondition(c)] = true
	}
	e.Classes = make([]string, 0, len(seen))
	for c := range seen {
		e.Classes = append(e.Classes, c)
	}
	sort.Strings(e.Classes)
	e.reindex()
}

// Transform returns the code of a label after normalization.
func (e *WeatherEncoder) Transform(condition string) int {
	if e.index == nil {
		e.reindex()
	}
	if code, ok := e.index[NormalizeCondition(condition)]; ok {
		return code
	}
	return e.UnknownCode()
}

// Known reports whether the normalized label was seen during Fit.
func (e *WeatherEncoder) Known(condition string) bool {
	return e.Transform(condition) != e.UnknownCode()
}

// UnknownCode is the code assigned to unseen labels.
func (e *WeatherEncoder) UnknownCode() int {
	return len(e.Classes)
}

func (e *WeatherEncoder) reindex() {
	e.index = make(map[string]int, len(e.Classes))
	for i, c := range e.Classes {
		e.index[c] = i
	}
}

// UnmarshalJSON restores the class list and rebuilds the lookup index.
func (e *WeatherEncoder) UnmarshalJSON(data []byte) error {
	type plain WeatherEncoder
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	e.Classes = p.Classes
	e.reindex()
	return nil
}

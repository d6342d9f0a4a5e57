// Package dataset defines the typed revenue and weather records shared by
// training and serving.
package dataset

import (
	"sort"
	"time"
)

// Observation is one day of revenue for one store.
type Observation struct {
	StoreID string
	Date    time.Time
	Revenue float64
	// Archetype is the caller-supplied archetype, or -1 when absent.
	Archetype int
}

// Point is a single dated revenue value.
type Point struct {
	Date    time.Time
	Revenue float64
}

// StoreSeries is the ordered revenue history of one store.
// Dates are strictly increasing; gaps are allowed.
type StoreSeries struct {
	StoreID string
	Points  []Point
}

// WeatherObservation is the weather recorded for a store on a date.
type WeatherObservation struct {
	StoreID       string
	Date          time.Time
	Temperature   float64
	Precipitation float64
	Condition     string
}

// WeatherKey identifies a weather observation.
type WeatherKey struct {
	StoreID string
	Date    time.Time
}

// Len returns the number of points.
func (s StoreSeries) Len() int { return len(s.Points) }

// First returns the first date of the series.
func (s StoreSeries) First() time.Time {
	if len(s.Points) == 0 {
		return time.Time{}
	}
	return s.Points[0].Date
}

// Last returns the last date of the series.
func (s StoreSeries) Last() time.Time {
	if len(s.Points) == 0 {
		return time.Time{}
	}
	return s.Points[len(s.Points)-1].Date
}

// Before returns the prefix of the series strictly before t.
func (s StoreSeries) Before(t time.Time) StoreSeries {
	i := sort.Search(len(s.Points), func(i int) bool { return !s.Points[i].Date.Before(t) })
	return StoreSeries{StoreID: s.StoreID, Points: s.Points[:i]}
}

// Between returns the points in [from, to).
func (s StoreSeries) Between(from, to time.Time) StoreSeries {
	lo := sort.Search(len(s.Points), func(i int) bool { return !s.Points[i].Date.Before(from) })
	hi := sort.Search(len(s.Points), func(i int) bool { return !s.Points[i].Date.Before(to) })
	return StoreSeries{StoreID: s.StoreID, Points: s.Points[lo:hi]}
}

// Operating returns the points with positive revenue.
func (s StoreSeries) Operating() StoreSeries {
	out := make([]Point, 0, len(s.Points))
	for _, p := range s.Points {
		if p.Revenue > 0 {
			out = append(out, p)
		}
	}
	return StoreSeries{StoreID: s.StoreID, Points: out}
}

// Bounds returns the min and max revenue of the series.
func (s StoreSeries) Bounds() (minRev, maxRev float64) {
	for i, p := range s.Points {
		if i == 0 || p.Revenue < minRev {
			minRev = p.Revenue
		}
		if i == 0 || p.Revenue > maxRev {
			maxRev = p.Revenue
		}
	}
	return minRev, maxRev
}

// ByDate indexes revenue by date.
func (s StoreSeries) ByDate() map[time.Time]float64 {
	out := make(map[time.Time]float64, len(s.Points))
	for _, p := range s.Points {
		out[p.Date] = p.Revenue
	}
	return out
}

// GroupByStore splits observations into per-store series sorted by date.
// Duplicate dates keep the last observation. The result is sorted by store ID.
func GroupByStore(obs []Observation) []StoreSeries {
	byStore := make(map[string]map[time.Time]float64)
	for _, o := range obs {
		m, ok := byStore[o.StoreID]
		if !ok {
			m = make(map[time.Time]float64)
			byStore[o.StoreID] = m
		}
		m[o.Date] = o.Revenue
	}

	ids := make([]string, 0, len(byStore))
	for id := range byStore {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]StoreSeries, 0, len(ids))
	for _, id := range ids {
		m := byStore[id]
		pts := make([]Point, 0, len(m))
		for d, r := range m {
			pts = append(pts, Point{Date: d, Revenue: r})
		}
		sort.Slice(pts, func(i, j int) bool { return pts[i].Date.Before(pts[j].Date) })
		out = append(out, StoreSeries{StoreID: id, Points: pts})
	}
	return out
}

// Archetypes collects caller-supplied archetypes. The last non-negative
// value seen for a store wins.
func Archetypes(obs []Observation) map[string]int {
	out := make(map[string]int)
	for _, o := range obs {
		if o.Archetype >= 0 {
			out[o.StoreID] = o.Archetype
		}
	}
	return out
}

// IndexWeather indexes weather observations by store and date.
func IndexWeather(ws []WeatherObservation) map[WeatherKey]WeatherObservation {
	out := make(map[WeatherKey]WeatherObservation, len(ws))
	for _, w := range ws {
		out[WeatherKey{StoreID: w.StoreID, Date: w.Date}] = w
	}
	return out
}

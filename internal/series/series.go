// Package series resolves and edits cash-surrender series. A series is an
// age-ordered list of at most four display points; ages are shared across all
// illustrations of a proposal while values stay per-product.
package series

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	MinAge = 60
	MaxAge = 120

	// MaxDisplayPoints caps what the comparison table shows; the backend may
	// hold more points than this.
	MaxDisplayPoints = 4

	ageStep = 5
)

// NoDataMarker is the display placeholder for an age with no known value. It
// is neither null nor zero.
const NoDataMarker = "-"

// Value is a surrender value or the "no data" sentinel.
type Value struct {
	Amount float64
	Known  bool
}

func NoData() Value { return Value{} }

func Known(amount float64) Value { return Value{Amount: amount, Known: true} }

func (v Value) String() string {
	if !v.Known {
		return NoDataMarker
	}
	return strconv.FormatFloat(v.Amount, 'f', -1, 64)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Known {
		return json.Marshal(NoDataMarker)
	}
	return json.Marshal(v.Amount)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var amount float64
	if err := json.Unmarshal(data, &amount); err == nil {
		*v = Known(amount)
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		text = strings.TrimSpace(text)
		if text == "" || text == NoDataMarker || strings.EqualFold(text, "no data") {
			*v = NoData()
			return nil
		}
		if amount, err := strconv.ParseFloat(text, 64); err == nil {
			*v = Known(amount)
			return nil
		}
		*v = NoData()
		return nil
	}

	// null and anything else unrecognized degrade to the sentinel.
	*v = NoData()
	return nil
}

// Point is one (age, value) pair of a surrender series.
type Point struct {
	Age   int   `json:"age"`
	Value Value `json:"value"`
}

// Sort orders points by ascending age in place.
func Sort(points []Point) {
	sort.Slice(points, func(i, j int) bool { return points[i].Age < points[j].Age })
}

// Ages returns the age axis of the series.
func Ages(points []Point) []int {
	ages := make([]int, 0, len(points))
	for _, p := range points {
		ages = append(ages, p.Age)
	}
	return ages
}

// SameAxis reports whether two series share the same set of ages.
func SameAxis(a, b []Point) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[int]struct{}, len(a))
	for _, p := range a {
		seen[p.Age] = struct{}{}
	}
	for _, p := range b {
		if _, ok := seen[p.Age]; !ok {
			return false
		}
	}
	return true
}

// Reproject rebuilds a series on a new age axis, keeping the old value for
// every age the old series already had and filling the rest with the sentinel.
func Reproject(old []Point, ages []int) []Point {
	known := make(map[int]Value, len(old))
	for _, p := range old {
		known[p.Age] = p.Value
	}
	next := make([]Point, 0, len(ages))
	for _, age := range ages {
		value, ok := known[age]
		if !ok {
			value = NoData()
		}
		next = append(next, Point{Age: age, Value: value})
	}
	Sort(next)
	return next
}

// AddAge appends a new row: five beyond the current maximum if that slot is
// free and within range, otherwise the lowest unused multiple-of-five age in
// [65,120]. When every slot is taken the series is returned unchanged.
func AddAge(points []Point) []Point {
	taken := make(map[int]struct{}, len(points))
	maxAge := 0
	for _, p := range points {
		taken[p.Age] = struct{}{}
		if p.Age > maxAge {
			maxAge = p.Age
		}
	}

	start := maxAge + ageStep
	if start < 65 {
		start = 65
	}
	candidate := 0
	for age := start; age <= MaxAge; age += ageStep {
		if _, ok := taken[age]; !ok {
			candidate = age
			break
		}
	}
	if candidate == 0 {
		for age := 65; age <= MaxAge; age += ageStep {
			if _, ok := taken[age]; !ok {
				candidate = age
				break
			}
		}
	}
	if candidate == 0 {
		return points
	}

	next := append(append([]Point(nil), points...), Point{Age: candidate, Value: NoData()})
	Sort(next)
	return next
}

// ChangeAge relabels an existing row. The row's value is preserved; only the
// age changes.
func ChangeAge(points []Point, oldAge, newAge int) ([]Point, error) {
	if newAge < MinAge || newAge > MaxAge {
		return nil, fmt.Errorf("series: age %d outside [%d,%d]", newAge, MinAge, MaxAge)
	}
	if oldAge == newAge {
		return points, nil
	}
	for _, p := range points {
		if p.Age == newAge {
			return nil, fmt.Errorf("series: age %d already present", newAge)
		}
	}
	next := append([]Point(nil), points...)
	found := false
	for i := range next {
		if next[i].Age == oldAge {
			next[i].Age = newAge
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("series: age %d not present", oldAge)
	}
	Sort(next)
	return next, nil
}

// SetValue updates the value for an existing age.
func SetValue(points []Point, age int, value Value) ([]Point, error) {
	next := append([]Point(nil), points...)
	for i := range next {
		if next[i].Age == age {
			next[i].Value = value
			return next, nil
		}
	}
	return nil, fmt.Errorf("series: age %d not present", age)
}

// RemoveAge drops the row for an age, if present.
func RemoveAge(points []Point, age int) []Point {
	next := make([]Point, 0, len(points))
	for _, p := range points {
		if p.Age != age {
			next = append(next, p)
		}
	}
	return next
}

package series

// Status distinguishes a resolved series from the pending pseudo-state shown
// while intelligent age analysis is still running.
type Status string

const (
	StatusResolved  Status = "resolved"
	StatusAnalyzing Status = "analyzing"
)

// Resolution is what the caller renders: either points, or a pending
// indicator when Status is analyzing.
type Resolution struct {
	Status Status
	Points []Point
}

// ResolveInput carries every layer that can supply the series for one
// illustration.
type ResolveInput struct {
	// Draft is the in-progress local edit buffer; consulted only in draft mode.
	Draft     []Point
	DraftMode bool

	// Edited is the persisted user-edited series, raw as stored.
	Edited any

	// Extracted is the backend's raw series, raw as stored.
	Extracted any

	// SelectedAges is the intelligent-age-analysis result, nil when absent.
	SelectedAges []int

	// AwaitingAnalysis is true while the proposal sits in
	// ready_for_age_analysis without a result yet.
	AwaitingAnalysis bool
}

// Resolve picks the series to display using strict precedence: draft buffer,
// persisted edits, AI-selected ages mapped onto raw values, the
// analysis-pending state, raw extraction, and finally the default axis. First
// match wins.
func Resolve(in ResolveInput) Resolution {
	if in.DraftMode && len(in.Draft) > 0 {
		points := append([]Point(nil), in.Draft...)
		Sort(points)
		return Resolution{Status: StatusResolved, Points: points}
	}

	if result := Decode(in.Edited); result.OK && len(result.Points) > 0 {
		return Resolution{Status: StatusResolved, Points: result.Points}
	}

	if in.SelectedAges != nil {
		return Resolution{Status: StatusResolved, Points: mapSelectedAges(in.SelectedAges, in.Extracted)}
	}

	if in.AwaitingAnalysis {
		return Resolution{Status: StatusAnalyzing}
	}

	if result := Decode(in.Extracted); result.OK && len(result.Points) > 0 {
		points := result.Points
		if len(points) > MaxDisplayPoints {
			points = points[:MaxDisplayPoints]
		}
		return Resolution{Status: StatusResolved, Points: points}
	}

	return Resolution{Status: StatusResolved, Points: DefaultSeries()}
}

// DefaultSeries is the fallback axis shown before any data exists.
func DefaultSeries() []Point {
	return []Point{
		{Age: 85, Value: NoData()},
		{Age: 90, Value: NoData()},
		{Age: 95, Value: NoData()},
		{Age: 100, Value: NoData()},
	}
}

// mapSelectedAges projects AI-selected ages onto the raw extracted values.
// Only exact age matches carry a value; everything else shows the sentinel.
func mapSelectedAges(ages []int, extracted any) []Point {
	byAge := make(map[int]Value)
	if result := Decode(extracted); result.OK {
		for _, p := range result.Points {
			byAge[p.Age] = p.Value
		}
	}
	points := make([]Point, 0, len(ages))
	for _, age := range ages {
		value, ok := byAge[age]
		if !ok {
			value = NoData()
		}
		points = append(points, Point{Age: age, Value: value})
	}
	Sort(points)
	return points
}

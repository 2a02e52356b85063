// Package fieldsync keeps client-level fields equal across all illustrations
// of a proposal. The illustrations describe one client, so age, gender,
// smoker status and the age axis of the surrender series must match; the
// per-age values stay product-specific.
package fieldsync

import (
	"context"
	"log"
	"strconv"
	"sync"

	"coverline/sync/internal/backend"
	"coverline/sync/internal/series"
)

// SharedFields are the scalar fields propagated to siblings after a save.
var SharedFields = []string{"clientAge", "gender", "smoker"}

// SeriesField is the overlay key holding the cash-surrender series.
const SeriesField = "cashSurrenderValues"

// Outcome is the result of one sibling write. Failures are reported, never
// rolled back into the originating save.
type Outcome struct {
	IllustrationID string         `json:"illustrationId"`
	Fields         map[string]any `json:"-"`
	Err            error          `json:"-"`
}

// Failed returns the IDs of siblings whose write failed.
func Failed(outcomes []Outcome) []string {
	var ids []string
	for _, o := range outcomes {
		if o.Err != nil {
			ids = append(ids, o.IllustrationID)
		}
	}
	return ids
}

type writer interface {
	UpdateIllustration(ctx context.Context, proposalID, illustrationID string, fields map[string]any) error
}

type Synchronizer struct {
	backend writer
}

func New(backend writer) *Synchronizer {
	return &Synchronizer{backend: backend}
}

// SyncScalars writes the whitelisted fields from the saved illustration to
// every sibling. Writes run in parallel and every outcome is collected; a
// failed sibling does not stop the others. Siblings already carrying the same
// effective values are skipped so re-running with unchanged data issues no
// writes.
func (s *Synchronizer) SyncScalars(ctx context.Context, proposal *backend.Proposal, records map[string]*backend.ExtractedRecord, sourceID string, saved map[string]any) []Outcome {
	shared := make(map[string]any)
	for _, name := range SharedFields {
		if value, ok := saved[name]; ok {
			shared[name] = value
		}
	}
	if len(shared) == 0 {
		return nil
	}

	targets := make([]string, 0)
	for _, siblingID := range proposal.Siblings(sourceID) {
		if !needsScalarWrite(records[siblingID], shared) {
			continue
		}
		targets = append(targets, siblingID)
	}

	return s.fanOut(ctx, proposal.ID, targets, func(string) map[string]any { return shared })
}

// SyncAgeAxis rebuilds every sibling's series on the new age list, keeping
// each sibling's own value for ages it already had and filling the rest with
// the "no data" sentinel. Siblings already on the axis are skipped.
func (s *Synchronizer) SyncAgeAxis(ctx context.Context, proposal *backend.Proposal, records map[string]*backend.ExtractedRecord, sourceID string, ages []int) []Outcome {
	axis := make([]series.Point, 0, len(ages))
	for _, age := range ages {
		axis = append(axis, series.Point{Age: age})
	}

	reprojected := make(map[string][]series.Point)
	targets := make([]string, 0)
	for _, siblingID := range proposal.Siblings(sourceID) {
		current := currentSeries(records[siblingID])
		if series.SameAxis(current, axis) {
			continue
		}
		reprojected[siblingID] = series.Reproject(current, ages)
		targets = append(targets, siblingID)
	}

	return s.fanOut(ctx, proposal.ID, targets, func(siblingID string) map[string]any {
		return map[string]any{SeriesField: reprojected[siblingID]}
	})
}

// fanOut issues one write per target concurrently and waits for all of them,
// collecting outcomes instead of short-circuiting on the first failure.
func (s *Synchronizer) fanOut(ctx context.Context, proposalID string, targets []string, fields func(string) map[string]any) []Outcome {
	if len(targets) == 0 {
		return nil
	}

	outcomes := make([]Outcome, len(targets))
	var wg sync.WaitGroup
	for i, siblingID := range targets {
		wg.Add(1)
		go func(i int, siblingID string) {
			defer wg.Done()
			payload := fields(siblingID)
			err := s.backend.UpdateIllustration(ctx, proposalID, siblingID, payload)
			if err != nil {
				log.Printf("fieldsync: sibling %s write failed: %v", siblingID, err)
			}
			outcomes[i] = Outcome{IllustrationID: siblingID, Fields: payload, Err: err}
		}(i, siblingID)
	}
	wg.Wait()
	return outcomes
}

// currentSeries is the sibling's persisted view: edited overlay first, then
// the raw extraction.
func currentSeries(record *backend.ExtractedRecord) []series.Point {
	if record == nil {
		return nil
	}
	if raw, ok := record.Overlay[SeriesField]; ok {
		if result := series.Decode(raw); result.OK && len(result.Points) > 0 {
			return result.Points
		}
	}
	if raw, ok := record.Comprehensive[SeriesField]; ok {
		if result := series.Decode(raw); result.OK {
			return result.Points
		}
	}
	return nil
}

func needsScalarWrite(record *backend.ExtractedRecord, shared map[string]any) bool {
	if record == nil {
		return true
	}
	for name, value := range shared {
		current, ok := record.Field(name)
		if !ok || !valuesEqual(current, value) {
			return true
		}
	}
	return false
}

// valuesEqual compares scalar field values, normalizing the numeric types
// JSON decoding produces.
func valuesEqual(a, b any) bool {
	if fa, aok := toFloat(a); aok {
		fb, bok := toFloat(b)
		return bok && fa == fb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

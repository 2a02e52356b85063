package backend

// ProposalStatus values are backend-driven; this service only observes them.
type ProposalStatus string

const (
	StatusDraft          ProposalStatus = "draft"
	StatusExtracting     ProposalStatus = "extracting"
	StatusReviewing      ProposalStatus = "reviewing"
	StatusReadyForAgeRun ProposalStatus = "ready_for_age_analysis"
	StatusGenerating     ProposalStatus = "generating"
	StatusCompleted      ProposalStatus = "completed"
	StatusFailed         ProposalStatus = "failed"
)

// ExtractionStatus tracks per-illustration document extraction.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "pending"
	ExtractionProcessing ExtractionStatus = "processing"
	ExtractionCompleted  ExtractionStatus = "completed"
	ExtractionFailed     ExtractionStatus = "failed"
)

// CashStatus tracks extraction of cash-surrender values.
type CashStatus string

const (
	CashPending      CashStatus = "pending"
	CashExtracting   CashStatus = "extracting"
	CashCompleted    CashStatus = "completed"
	CashNoCashValues CashStatus = "no_cash_values"
	CashFailed       CashStatus = "failed"
)

type AgeAnalysis struct {
	SelectedAges []int `json:"selectedAges"`
}

type Proposal struct {
	ID             string         `json:"id"`
	Status         ProposalStatus `json:"status"`
	TargetCurrency string         `json:"targetCurrency"`
	AgeAnalysis    *AgeAnalysis   `json:"ageAnalysis,omitempty"`
	Illustrations  []Illustration `json:"illustrations"`
}

type Illustration struct {
	ID               string           `json:"id"`
	ProposalID       string           `json:"proposalId"`
	Filename         string           `json:"filename"`
	ExtractionStatus ExtractionStatus `json:"extractionStatus"`
	MatchedProductID *string          `json:"matchedProductId,omitempty"`
}

// ExtractedRecord is one illustration's extraction result. Comprehensive is
// backend-authored and never mutated here; user edits live in Overlay and the
// effective value of a field resolves overlay-first.
type ExtractedRecord struct {
	IllustrationID string         `json:"illustrationId"`
	CashStatus     CashStatus     `json:"cashExtractionStatus"`
	Comprehensive  map[string]any `json:"comprehensiveData"`
	Overlay        map[string]any `json:"userEdits"`
}

// Field returns the effective value for a field name, overlay-first.
func (r *ExtractedRecord) Field(name string) (any, bool) {
	if r == nil {
		return nil, false
	}
	if v, ok := r.Overlay[name]; ok {
		return v, true
	}
	v, ok := r.Comprehensive[name]
	return v, ok
}

// HasIllustrationProcessing reports whether any illustration is still waiting
// for or undergoing extraction.
func (p *Proposal) HasIllustrationProcessing() bool {
	for _, ill := range p.Illustrations {
		if ill.ExtractionStatus == ExtractionProcessing || ill.ExtractionStatus == ExtractionPending {
			return true
		}
	}
	return false
}

// Sibling IDs of the given illustration within the proposal, order preserved.
func (p *Proposal) Siblings(illustrationID string) []string {
	ids := make([]string, 0, len(p.Illustrations))
	for _, ill := range p.Illustrations {
		if ill.ID != illustrationID {
			ids = append(ids, ill.ID)
		}
	}
	return ids
}

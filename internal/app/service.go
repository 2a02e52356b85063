// Package app coordinates one loaded proposal per session: status polling,
// field and series edits, sibling synchronization, currency conversion and
// user notices. The backend owns all durable state; a session only mirrors it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"

	"coverline/sync/internal/backend"
	"coverline/sync/internal/convert"
	"coverline/sync/internal/fieldsync"
	"coverline/sync/internal/poll"
	"coverline/sync/internal/series"
	"coverline/sync/internal/util"
)

type backendClient interface {
	GetProposal(ctx context.Context, proposalID string) (*backend.Proposal, error)
	GetExtractedData(ctx context.Context, proposalID string) ([]backend.ExtractedRecord, error)
	UpdateIllustration(ctx context.Context, proposalID, illustrationID string, fields map[string]any) error
	DeleteIllustration(ctx context.Context, proposalID, illustrationID string) error
	UploadIllustrations(ctx context.Context, proposalID string, documents []backend.UploadDocument) ([]backend.Illustration, error)
	Ping(ctx context.Context) error
}

type rateProvider interface {
	Rate(ctx context.Context, source, target string) (float64, error)
	Ping(ctx context.Context) error
}

type notifier interface {
	ProcessingComplete(proposalID string)
	AutoRefreshFailed(proposalID string)
	SiblingSyncDegraded(proposalID string, failedIDs []string)
}

// Notice is a user-facing message attached to a session. Sticky notices stay
// until dismissed.
type Notice struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Sticky    bool      `json:"sticky"`
	CreatedAt time.Time `json:"createdAt"`
}

type SeriesView struct {
	Status series.Status  `json:"status"`
	Points []series.Point `json:"points,omitempty"`
	Draft  bool           `json:"draft"`
}

// ConversionView is a conversion result plus whether it was persisted at save
// time rather than computed from the current batch.
type ConversionView struct {
	convert.Result
	Saved bool `json:"saved"`
}

type IllustrationView struct {
	Illustration backend.Illustration      `json:"illustration"`
	CashStatus   backend.CashStatus        `json:"cashExtractionStatus,omitempty"`
	Fields       map[string]any            `json:"fields,omitempty"`
	Series       SeriesView                `json:"series"`
	Conversions  map[string]ConversionView `json:"conversions,omitempty"`
}

type SessionView struct {
	SessionID     string             `json:"sessionId"`
	Proposal      *backend.Proposal  `json:"proposal"`
	Polling       poll.State         `json:"polling"`
	Illustrations []IllustrationView `json:"illustrations"`
	Notices       []Notice           `json:"notices"`
}

// SaveResult reports what a save propagated to sibling illustrations.
type SaveResult struct {
	IllustrationID string              `json:"illustrationId"`
	Synced         []fieldsync.Outcome `json:"synced,omitempty"`
	FailedSiblings []string            `json:"failedSiblings,omitempty"`
}

// session is one loaded proposal. All mutable state hangs off it so closing
// the session (or loading the proposal again) discards everything at once.
type session struct {
	id         string
	proposalID string
	controller *poll.Controller
	conv       *convert.Cache

	mu         sync.Mutex
	proposal   *backend.Proposal
	records    map[string]*backend.ExtractedRecord
	drafts     map[string][]series.Point
	notices    []Notice
	generation int
	batchDone  bool
	displayed  bool
}

type Service struct {
	backend      backendClient
	rates        rateProvider
	sync         *fieldsync.Synchronizer
	notify       notifier
	pollInterval time.Duration

	// retryInterval seeds the initial-load backoff; tests shrink it.
	retryInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

func NewService(client backendClient, rates rateProvider, notify notifier, pollInterval time.Duration) *Service {
	return &Service{
		backend:       client,
		rates:         rates,
		sync:          fieldsync.New(client),
		notify:        notify,
		pollInterval:  pollInterval,
		retryInterval: time.Second,
		sessions:      make(map[string]*session),
	}
}

// LoadProposal opens a session for a proposal. Transient backend failures are
// retried with exponential backoff before giving up; not-found and forbidden
// are permanent and surface immediately.
func (s *Service) LoadProposal(ctx context.Context, proposalID string) (*SessionView, error) {
	proposalID = strings.TrimSpace(proposalID)
	if proposalID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "proposalId is required", nil)
	}

	proposal, err := s.fetchProposalWithRetry(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	ses := &session{
		id:         util.NewID("ses"),
		proposalID: proposalID,
		proposal:   proposal,
		records:    make(map[string]*backend.ExtractedRecord),
		drafts:     make(map[string][]series.Point),
		conv:       convert.NewCache(s.rates),
	}
	ses.controller = poll.NewController(s.pollInterval, &sessionSyncer{service: s, session: ses}, poll.Hooks{
		OnComplete: func() { s.onComplete(ses) },
		OnFailure:  func() { s.onFailure(ses) },
	})

	records, err := s.backend.GetExtractedData(ctx, proposalID)
	if err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			log.Printf("app: initial extracted-data fetch for %s: %v", proposalID, err)
		}
	} else {
		ses.mu.Lock()
		ses.applyRecords(records)
		if extractionSettled(proposal, records) {
			ses.batchDone = true
		}
		batchDone := ses.batchDone
		ses.mu.Unlock()
		if batchDone {
			ses.conv.RunBatch(ctx, proposal.TargetCurrency, records)
		}
	}

	s.mu.Lock()
	s.sessions[ses.id] = ses
	s.mu.Unlock()

	if poll.ShouldPoll(proposal, records) {
		ses.controller.Start(context.Background())
	}
	return s.viewOf(ses), nil
}

func (s *Service) fetchProposalWithRetry(ctx context.Context, proposalID string) (*backend.Proposal, error) {
	var proposal *backend.Proposal
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, 2), ctx)

	err := backoff.Retry(func() error {
		p, err := s.backend.GetProposal(ctx, proposalID)
		if err != nil {
			if errors.Is(err, backend.ErrUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		proposal = p
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return proposal, nil
}

// GetSession returns the current view and marks the session as displayed, so
// subsequent poll ticks keep the extracted data fresh.
func (s *Service) GetSession(sessionID string) (*SessionView, error) {
	ses, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	ses.mu.Lock()
	ses.displayed = true
	ses.mu.Unlock()
	return s.viewOf(ses), nil
}

// CloseSession stops polling and discards all session state.
func (s *Service) CloseSession(sessionID string) error {
	s.mu.Lock()
	ses, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	ses.controller.Stop()
	return nil
}

// Shutdown stops every session's polling loop. Called on process teardown.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ses := range s.sessions {
		ses.controller.Stop()
	}
}

// Ping reports backend reachability for the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// PingRates reports rate-cache reachability for the readiness probe.
func (s *Service) PingRates(ctx context.Context) error {
	return s.rates.Ping(ctx)
}

// sessionSyncer binds one session to the poll controller.
type sessionSyncer struct {
	service *Service
	session *session
}

func (t *sessionSyncer) Tick(ctx context.Context) (bool, error) {
	return t.service.tick(ctx, t.session)
}

// tick is one poll pass: fetch the proposal, then the extracted data when it
// is displayed or still being produced, then apply both. A manual refresh
// bumps the generation; a tick that raced it throws its results away.
func (s *Service) tick(ctx context.Context, ses *session) (bool, error) {
	ses.mu.Lock()
	gen := ses.generation
	displayed := ses.displayed
	current := ses.recordList()
	ses.mu.Unlock()

	proposal, err := s.backend.GetProposal(ctx, ses.proposalID)
	if err != nil {
		return false, err
	}

	var records []backend.ExtractedRecord
	fetched := false
	if displayed || poll.ShouldPoll(proposal, current) {
		records, err = s.backend.GetExtractedData(ctx, ses.proposalID)
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			return false, err
		}
		fetched = err == nil
	}

	ses.mu.Lock()
	if ses.generation != gen {
		ses.mu.Unlock()
		return true, nil
	}
	ses.proposal = proposal
	if fetched {
		ses.applyRecords(records)
	}
	effective := ses.recordList()
	runBatch := fetched && !ses.batchDone && extractionSettled(proposal, effective)
	if runBatch {
		ses.batchDone = true
	}
	target := proposal.TargetCurrency
	ses.mu.Unlock()

	if runBatch {
		ses.conv.RunBatch(ctx, target, effective)
	}
	return poll.ShouldPoll(proposal, effective), nil
}

func (s *Service) onComplete(ses *session) {
	s.notify.ProcessingComplete(ses.proposalID)
	ses.addNotice("info", "Document processing complete.", false)
}

func (s *Service) onFailure(ses *session) {
	s.notify.AutoRefreshFailed(ses.proposalID)
	ses.addNotice("error", "Automatic refresh stopped after repeated failures. Refresh manually to resume.", true)
}

// ManualRefresh supersedes any in-flight poll tick, refetches everything,
// recomputes conversions against current rates and resumes polling when the
// proposal still has work in flight. It never resurrects a finished load.
func (s *Service) ManualRefresh(ctx context.Context, sessionID string) (*SessionView, error) {
	ses, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	ses.mu.Lock()
	ses.generation++
	ses.mu.Unlock()
	ses.controller.Stop()

	proposal, err := s.backend.GetProposal(ctx, ses.proposalID)
	if err != nil {
		return nil, err
	}
	records, recordsErr := s.backend.GetExtractedData(ctx, ses.proposalID)
	if recordsErr != nil && !errors.Is(recordsErr, backend.ErrNotFound) {
		return nil, recordsErr
	}

	ses.mu.Lock()
	ses.proposal = proposal
	if recordsErr == nil {
		ses.applyRecords(records)
	}
	effective := ses.recordList()
	if extractionSettled(proposal, effective) {
		ses.batchDone = true
	}
	target := proposal.TargetCurrency
	ses.mu.Unlock()

	ses.conv.RunBatch(ctx, target, effective)

	ses.controller.ResetRetries()
	if poll.ShouldPoll(proposal, effective) {
		ses.controller.Start(context.Background())
	}
	return s.viewOf(ses), nil
}

// SaveIllustration persists a field edit, then fans the shared client fields
// out to the siblings. Monetary edits persist their conversion alongside the
// amount so the saved figure survives later rate changes.
func (s *Service) SaveIllustration(ctx context.Context, sessionID, illustrationID string, fields map[string]any) (*SaveResult, error) {
	ses, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "no fields to save", nil)
	}

	ses.mu.Lock()
	proposal := ses.proposal
	if !hasIllustration(proposal, illustrationID) {
		ses.mu.Unlock()
		return nil, domainError(http.StatusNotFound, "ILLUSTRATION_NOT_FOUND", "Illustration not found", nil)
	}
	record := ses.records[illustrationID]
	target := proposal.TargetCurrency
	ses.mu.Unlock()

	payload := make(map[string]any, len(fields))
	for k, v := range fields {
		payload[k] = v
	}
	for _, name := range convert.MonetaryFields {
		raw, ok := payload[name]
		if !ok {
			continue
		}
		amount, ok := toAmount(raw)
		if !ok {
			continue
		}
		sourceCurrency := ""
		if v, ok := fieldValue(payload, record, "currency"); ok {
			sourceCurrency, _ = v.(string)
		}
		payload[name+"Converted"] = ses.conv.Convert(ctx, amount, sourceCurrency, target)
	}

	if err := s.backend.UpdateIllustration(ctx, ses.proposalID, illustrationID, payload); err != nil {
		return nil, err
	}

	ses.mu.Lock()
	ses.applyOverlay(illustrationID, payload)
	records := ses.recordMap()
	ses.mu.Unlock()

	outcomes := s.sync.SyncScalars(ctx, proposal, records, illustrationID, payload)
	s.applySyncOutcomes(ses, outcomes)

	result := &SaveResult{IllustrationID: illustrationID, Synced: outcomes}
	if failed := fieldsync.Failed(outcomes); len(failed) > 0 {
		result.FailedSiblings = failed
		s.notify.SiblingSyncDegraded(ses.proposalID, failed)
		ses.addNotice("warning", "Some illustrations could not be updated with the shared client details.", false)
	}
	return result, nil
}

// DeleteIllustration removes an illustration. The backend treats a repeat
// delete as success, so this is safe to retry.
func (s *Service) DeleteIllustration(ctx context.Context, sessionID, illustrationID string) (*SessionView, error) {
	ses, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.backend.DeleteIllustration(ctx, ses.proposalID, illustrationID); err != nil {
		return nil, err
	}

	ses.mu.Lock()
	kept := make([]backend.Illustration, 0, len(ses.proposal.Illustrations))
	for _, ill := range ses.proposal.Illustrations {
		if ill.ID != illustrationID {
			kept = append(kept, ill)
		}
	}
	ses.proposal.Illustrations = kept
	delete(ses.records, illustrationID)
	delete(ses.drafts, illustrationID)
	ses.mu.Unlock()

	return s.viewOf(ses), nil
}

// UploadIllustrations submits new documents for extraction and resumes
// polling while they process. A load whose completion was already notified
// stays finished; Start is a no-op then.
func (s *Service) UploadIllustrations(ctx context.Context, sessionID string, documents []backend.UploadDocument) (*SessionView, error) {
	ses, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	if len(documents) < backend.MinUploadDocuments || len(documents) > backend.MaxUploadDocuments {
		message := fmt.Sprintf("upload requires %d-%d documents", backend.MinUploadDocuments, backend.MaxUploadDocuments)
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
	}
	for _, doc := range documents {
		if len(doc.Content) > backend.MaxUploadBytes {
			message := fmt.Sprintf("document %s exceeds the 15MB limit", doc.Filename)
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
		}
	}

	created, err := s.backend.UploadIllustrations(ctx, ses.proposalID, documents)
	if err != nil {
		return nil, err
	}

	ses.mu.Lock()
	ses.proposal.Illustrations = append(ses.proposal.Illustrations, created...)
	proposal := ses.proposal
	records := ses.recordList()
	ses.mu.Unlock()

	if poll.ShouldPoll(proposal, records) {
		ses.controller.Start(context.Background())
	}
	return s.viewOf(ses), nil
}

// GetSeries resolves the series view for one illustration, draft-first when a
// draft buffer exists.
func (s *Service) GetSeries(sessionID, illustrationID string) (*SeriesView, error) {
	ses, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	ses.mu.Lock()
	defer ses.mu.Unlock()
	if !hasIllustration(ses.proposal, illustrationID) {
		return nil, domainError(http.StatusNotFound, "ILLUSTRATION_NOT_FOUND", "Illustration not found", nil)
	}
	view := ses.seriesView(illustrationID, ses.records[illustrationID])
	return &view, nil
}

// AddSeriesAge appends the next free age row to the draft buffer. A full
// series is returned unchanged.
func (s *Service) AddSeriesAge(sessionID, illustrationID string) (*SeriesView, error) {
	return s.editSeries(sessionID, illustrationID, func(points []series.Point) ([]series.Point, error) {
		return series.AddAge(points), nil
	})
}

// ChangeSeriesAge relabels a draft row, keeping its value.
func (s *Service) ChangeSeriesAge(sessionID, illustrationID string, oldAge, newAge int) (*SeriesView, error) {
	return s.editSeries(sessionID, illustrationID, func(points []series.Point) ([]series.Point, error) {
		return series.ChangeAge(points, oldAge, newAge)
	})
}

// SetSeriesValue updates the value of a draft row.
func (s *Service) SetSeriesValue(sessionID, illustrationID string, age int, value series.Value) (*SeriesView, error) {
	return s.editSeries(sessionID, illustrationID, func(points []series.Point) ([]series.Point, error) {
		return series.SetValue(points, age, value)
	})
}

// RemoveSeriesAge drops a draft row.
func (s *Service) RemoveSeriesAge(sessionID, illustrationID string, age int) (*SeriesView, error) {
	return s.editSeries(sessionID, illustrationID, func(points []series.Point) ([]series.Point, error) {
		return series.RemoveAge(points, age), nil
	})
}

// DiscardSeriesDraft throws the draft buffer away; the persisted series shows
// again.
func (s *Service) DiscardSeriesDraft(sessionID, illustrationID string) error {
	ses, err := s.session(sessionID)
	if err != nil {
		return err
	}
	ses.mu.Lock()
	delete(ses.drafts, illustrationID)
	ses.mu.Unlock()
	return nil
}

// CommitSeriesDraft persists the draft series as the illustration's edited
// overlay, then rebuilds every sibling onto the same age axis.
func (s *Service) CommitSeriesDraft(ctx context.Context, sessionID, illustrationID string) (*SaveResult, error) {
	ses, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	ses.mu.Lock()
	draft, ok := ses.drafts[illustrationID]
	proposal := ses.proposal
	ses.mu.Unlock()
	if !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "no draft series to save", nil)
	}

	points := append([]series.Point(nil), draft...)
	series.Sort(points)

	if err := s.backend.UpdateIllustration(ctx, ses.proposalID, illustrationID, map[string]any{fieldsync.SeriesField: points}); err != nil {
		return nil, err
	}

	ses.mu.Lock()
	ses.applyOverlay(illustrationID, map[string]any{fieldsync.SeriesField: points})
	delete(ses.drafts, illustrationID)
	records := ses.recordMap()
	ses.mu.Unlock()

	outcomes := s.sync.SyncAgeAxis(ctx, proposal, records, illustrationID, series.Ages(points))
	s.applySyncOutcomes(ses, outcomes)

	result := &SaveResult{IllustrationID: illustrationID, Synced: outcomes}
	if failed := fieldsync.Failed(outcomes); len(failed) > 0 {
		result.FailedSiblings = failed
		s.notify.SiblingSyncDegraded(ses.proposalID, failed)
		ses.addNotice("warning", "The shared age axis could not be applied to every illustration.", false)
	}
	return result, nil
}

// DismissNotice removes one notice from the session.
func (s *Service) DismissNotice(sessionID, noticeID string) error {
	ses, err := s.session(sessionID)
	if err != nil {
		return err
	}
	ses.mu.Lock()
	defer ses.mu.Unlock()
	for i, notice := range ses.notices {
		if notice.ID == noticeID {
			ses.notices = append(ses.notices[:i], ses.notices[i+1:]...)
			return nil
		}
	}
	return domainError(http.StatusNotFound, "NOT_FOUND", "Notice not found", nil)
}

func (s *Service) session(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ses, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ses, nil
}

func (s *Service) editSeries(sessionID, illustrationID string, edit func([]series.Point) ([]series.Point, error)) (*SeriesView, error) {
	ses, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	ses.mu.Lock()
	defer ses.mu.Unlock()
	if !hasIllustration(ses.proposal, illustrationID) {
		return nil, domainError(http.StatusNotFound, "ILLUSTRATION_NOT_FOUND", "Illustration not found", nil)
	}

	draft, ok := ses.drafts[illustrationID]
	if !ok {
		resolution := ses.resolveSeries(illustrationID, ses.records[illustrationID], false)
		if resolution.Status == series.StatusAnalyzing {
			return nil, domainError(http.StatusConflict, "ANALYSIS_IN_PROGRESS", "Age analysis is still running", nil)
		}
		draft = append([]series.Point(nil), resolution.Points...)
	}

	next, err := edit(draft)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	ses.drafts[illustrationID] = next
	return &SeriesView{Status: series.StatusResolved, Points: next, Draft: true}, nil
}

func (s *Service) applySyncOutcomes(ses *session, outcomes []fieldsync.Outcome) {
	ses.mu.Lock()
	defer ses.mu.Unlock()
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			continue
		}
		ses.applyOverlay(outcome.IllustrationID, outcome.Fields)
	}
}

func (s *Service) viewOf(ses *session) *SessionView {
	ses.mu.Lock()
	defer ses.mu.Unlock()

	view := &SessionView{
		SessionID: ses.id,
		Proposal:  ses.proposal,
		Polling:   ses.controller.Snapshot(),
		Notices:   append([]Notice{}, ses.notices...),
	}
	for _, ill := range ses.proposal.Illustrations {
		record := ses.records[ill.ID]
		item := IllustrationView{
			Illustration: ill,
			Fields:       effectiveFields(record),
			Series:       ses.seriesView(ill.ID, record),
			Conversions:  ses.conversions(ill.ID, record),
		}
		if record != nil {
			item.CashStatus = record.CashStatus
		}
		view.Illustrations = append(view.Illustrations, item)
	}
	return view
}

// applyRecords replaces the mirror with a fresh backend fetch. The backend
// merges edits into the overlay server-side, so the fetch is authoritative
// for both layers. Caller holds ses.mu.
func (ses *session) applyRecords(records []backend.ExtractedRecord) {
	next := make(map[string]*backend.ExtractedRecord, len(records))
	for i := range records {
		record := records[i]
		next[record.IllustrationID] = &record
	}
	ses.records = next
}

// applyOverlay merges acknowledged fields into the local mirror. Caller holds
// ses.mu.
func (ses *session) applyOverlay(illustrationID string, fields map[string]any) {
	record := ses.records[illustrationID]
	if record == nil {
		record = &backend.ExtractedRecord{IllustrationID: illustrationID}
		ses.records[illustrationID] = record
	}
	if record.Overlay == nil {
		record.Overlay = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		record.Overlay[k] = v
	}
}

// recordList snapshots the records as a slice. Caller holds ses.mu.
func (ses *session) recordList() []backend.ExtractedRecord {
	records := make([]backend.ExtractedRecord, 0, len(ses.records))
	for _, record := range ses.records {
		records = append(records, *record)
	}
	return records
}

// recordMap deep-copies the records so concurrent sibling writes never share
// maps with a tick applying a fresh fetch. Caller holds ses.mu.
func (ses *session) recordMap() map[string]*backend.ExtractedRecord {
	snapshot := make(map[string]*backend.ExtractedRecord, len(ses.records))
	for id, record := range ses.records {
		copied := *record
		copied.Comprehensive = maps.Clone(record.Comprehensive)
		copied.Overlay = maps.Clone(record.Overlay)
		snapshot[id] = &copied
	}
	return snapshot
}

func (ses *session) addNotice(level, message string, sticky bool) {
	ses.mu.Lock()
	ses.notices = append(ses.notices, Notice{
		ID:        util.NewID("ntc"),
		Level:     level,
		Message:   message,
		Sticky:    sticky,
		CreatedAt: time.Now(),
	})
	ses.mu.Unlock()
}

// resolveSeries assembles the resolution input from every layer the session
// knows about. Caller holds ses.mu.
func (ses *session) resolveSeries(illustrationID string, record *backend.ExtractedRecord, draftMode bool) series.Resolution {
	in := series.ResolveInput{
		DraftMode:        draftMode,
		AwaitingAnalysis: ses.proposal.Status == backend.StatusReadyForAgeRun && ses.proposal.AgeAnalysis == nil,
	}
	if draftMode {
		in.Draft = ses.drafts[illustrationID]
	}
	if ses.proposal.AgeAnalysis != nil {
		in.SelectedAges = ses.proposal.AgeAnalysis.SelectedAges
	}
	if record != nil {
		in.Edited = record.Overlay[fieldsync.SeriesField]
		in.Extracted = record.Comprehensive[fieldsync.SeriesField]
	}
	return series.Resolve(in)
}

func (ses *session) seriesView(illustrationID string, record *backend.ExtractedRecord) SeriesView {
	_, draftMode := ses.drafts[illustrationID]
	resolution := ses.resolveSeries(illustrationID, record, draftMode)
	return SeriesView{Status: resolution.Status, Points: resolution.Points, Draft: draftMode}
}

// conversions prefers the conversion persisted at save time over the batch
// cache. Caller holds ses.mu.
func (ses *session) conversions(illustrationID string, record *backend.ExtractedRecord) map[string]ConversionView {
	out := make(map[string]ConversionView)
	for _, name := range convert.MonetaryFields {
		if record != nil {
			if raw, ok := record.Overlay[name+"Converted"]; ok {
				if saved, ok := savedConversion(raw); ok {
					out[name] = ConversionView{Result: saved, Saved: true}
					continue
				}
			}
		}
		if result, ok := ses.conv.Lookup(illustrationID, name); ok {
			out[name] = ConversionView{Result: result}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// extractionSettled reports whether all extraction work finished and produced
// data, which is when the conversion batch runs once per load.
func extractionSettled(p *backend.Proposal, records []backend.ExtractedRecord) bool {
	if len(records) == 0 {
		return false
	}
	if p.Status == backend.StatusExtracting || p.HasIllustrationProcessing() {
		return false
	}
	for _, record := range records {
		if record.CashStatus == backend.CashPending || record.CashStatus == backend.CashExtracting {
			return false
		}
	}
	return true
}

func hasIllustration(p *backend.Proposal, illustrationID string) bool {
	for _, ill := range p.Illustrations {
		if ill.ID == illustrationID {
			return true
		}
	}
	return false
}

// effectiveFields merges both layers, overlay last. The series renders
// through its own view, not the raw field map.
func effectiveFields(record *backend.ExtractedRecord) map[string]any {
	if record == nil {
		return nil
	}
	fields := make(map[string]any, len(record.Comprehensive)+len(record.Overlay))
	for k, v := range record.Comprehensive {
		fields[k] = v
	}
	for k, v := range record.Overlay {
		fields[k] = v
	}
	delete(fields, fieldsync.SeriesField)
	return fields
}

// savedConversion decodes a persisted conversion, which arrives as a typed
// result when written locally or as a plain map after a backend fetch.
func savedConversion(raw any) (convert.Result, bool) {
	if result, ok := raw.(convert.Result); ok {
		return result, true
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return convert.Result{}, false
	}
	var result convert.Result
	if err := json.Unmarshal(encoded, &result); err != nil {
		return convert.Result{}, false
	}
	return result, result.Currency != ""
}

// fieldValue reads a field from the pending payload first, then the record.
func fieldValue(payload map[string]any, record *backend.ExtractedRecord, name string) (any, bool) {
	if v, ok := payload[name]; ok {
		return v, true
	}
	return record.Field(name)
}

func toAmount(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coverline/sync/internal/backend"
	"coverline/sync/internal/convert"
	"coverline/sync/internal/series"
)

type update struct {
	illustrationID string
	fields         map[string]any
}

type fakeBackend struct {
	mu sync.Mutex

	getProposalFn  func(ctx context.Context, id string) (*backend.Proposal, error)
	getExtractedFn func(ctx context.Context, id string) ([]backend.ExtractedRecord, error)
	updateFn       func(ctx context.Context, proposalID, illustrationID string, fields map[string]any) error
	deleteFn       func(ctx context.Context, proposalID, illustrationID string) error
	uploadFn       func(ctx context.Context, proposalID string, documents []backend.UploadDocument) ([]backend.Illustration, error)

	proposalCalls int
	updates       []update
}

func (f *fakeBackend) GetProposal(ctx context.Context, id string) (*backend.Proposal, error) {
	f.mu.Lock()
	f.proposalCalls++
	f.mu.Unlock()
	return f.getProposalFn(ctx, id)
}

func (f *fakeBackend) GetExtractedData(ctx context.Context, id string) ([]backend.ExtractedRecord, error) {
	if f.getExtractedFn == nil {
		return nil, backend.ErrNotFound
	}
	return f.getExtractedFn(ctx, id)
}

func (f *fakeBackend) UpdateIllustration(ctx context.Context, proposalID, illustrationID string, fields map[string]any) error {
	var err error
	if f.updateFn != nil {
		err = f.updateFn(ctx, proposalID, illustrationID, fields)
	}
	f.mu.Lock()
	f.updates = append(f.updates, update{illustrationID: illustrationID, fields: fields})
	f.mu.Unlock()
	return err
}

func (f *fakeBackend) DeleteIllustration(ctx context.Context, proposalID, illustrationID string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, proposalID, illustrationID)
	}
	return nil
}

func (f *fakeBackend) UploadIllustrations(ctx context.Context, proposalID string, documents []backend.UploadDocument) ([]backend.Illustration, error) {
	if f.uploadFn != nil {
		return f.uploadFn(ctx, proposalID, documents)
	}
	return nil, errors.New("upload not scripted")
}

func (f *fakeBackend) Ping(ctx context.Context) error { return nil }

func (f *fakeBackend) proposalCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proposalCalls
}

func (f *fakeBackend) updatesFor(illustrationID string) []update {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []update
	for _, u := range f.updates {
		if u.illustrationID == illustrationID {
			out = append(out, u)
		}
	}
	return out
}

func (f *fakeBackend) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

type fakeRates struct {
	mu   sync.Mutex
	rate float64
	err  error
}

func (f *fakeRates) Rate(ctx context.Context, source, target string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.rate, nil
}

func (f *fakeRates) Ping(ctx context.Context) error { return nil }

func (f *fakeRates) set(rate float64) {
	f.mu.Lock()
	f.rate = rate
	f.mu.Unlock()
}

type fakeNotifier struct {
	mu        sync.Mutex
	completes int
	failures  int
	degraded  [][]string
}

func (f *fakeNotifier) ProcessingComplete(proposalID string) {
	f.mu.Lock()
	f.completes++
	f.mu.Unlock()
}

func (f *fakeNotifier) AutoRefreshFailed(proposalID string) {
	f.mu.Lock()
	f.failures++
	f.mu.Unlock()
}

func (f *fakeNotifier) SiblingSyncDegraded(proposalID string, failedIDs []string) {
	f.mu.Lock()
	f.degraded = append(f.degraded, failedIDs)
	f.mu.Unlock()
}

func (f *fakeNotifier) completeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completes
}

func (f *fakeNotifier) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

func newTestService(fake *fakeBackend, rates *fakeRates) (*Service, *fakeNotifier) {
	notifier := &fakeNotifier{}
	service := NewService(fake, rates, notifier, 2*time.Millisecond)
	service.retryInterval = time.Millisecond
	return service, notifier
}

func testProposal(status backend.ProposalStatus) *backend.Proposal {
	return &backend.Proposal{
		ID:             "prop-1",
		Status:         status,
		TargetCurrency: "MYR",
		Illustrations: []backend.Illustration{
			{ID: "ill-1", ProposalID: "prop-1", ExtractionStatus: backend.ExtractionCompleted},
			{ID: "ill-2", ProposalID: "prop-1", ExtractionStatus: backend.ExtractionCompleted},
		},
	}
}

func completedRecords() []backend.ExtractedRecord {
	return []backend.ExtractedRecord{
		{
			IllustrationID: "ill-1",
			CashStatus:     backend.CashCompleted,
			Comprehensive:  map[string]any{"premium": 100.0, "currency": "USD", "clientAge": 40.0},
		},
		{
			IllustrationID: "ill-2",
			CashStatus:     backend.CashCompleted,
			Comprehensive:  map[string]any{"premium": 50.0, "currency": "USD", "clientAge": 40.0},
		},
	}
}

func staticBackend(proposal *backend.Proposal, records []backend.ExtractedRecord) *fakeBackend {
	return &fakeBackend{
		getProposalFn: func(ctx context.Context, id string) (*backend.Proposal, error) {
			return proposal, nil
		},
		getExtractedFn: func(ctx context.Context, id string) ([]backend.ExtractedRecord, error) {
			return records, nil
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestLoadProposalRetriesTransientFailures(t *testing.T) {
	fake := &fakeBackend{}
	var mu sync.Mutex
	calls := 0
	fake.getProposalFn = func(ctx context.Context, id string) (*backend.Proposal, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, backend.ErrUnavailable
		}
		return testProposal(backend.StatusReviewing), nil
	}
	service, _ := newTestService(fake, &fakeRates{rate: 4.2})

	view, err := service.LoadProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("expected load to recover, got %v", err)
	}
	if view.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if got := fake.proposalCallCount(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestLoadProposalNotFoundIsPermanent(t *testing.T) {
	fake := &fakeBackend{
		getProposalFn: func(ctx context.Context, id string) (*backend.Proposal, error) {
			return nil, backend.ErrNotFound
		},
	}
	service, _ := newTestService(fake, &fakeRates{rate: 4.2})

	_, err := service.LoadProposal(context.Background(), "prop-1")
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if got := fake.proposalCallCount(); got != 1 {
		t.Fatalf("not-found must not be retried, got %d attempts", got)
	}
}

func TestPollingRunsToCompletion(t *testing.T) {
	fake := &fakeBackend{}
	var mu sync.Mutex
	step := 0
	fake.getProposalFn = func(ctx context.Context, id string) (*backend.Proposal, error) {
		mu.Lock()
		step++
		n := step
		mu.Unlock()
		proposal := testProposal(backend.StatusReviewing)
		if n < 3 {
			proposal.Illustrations[0].ExtractionStatus = backend.ExtractionProcessing
			proposal.Illustrations[1].ExtractionStatus = backend.ExtractionProcessing
		}
		return proposal, nil
	}
	fake.getExtractedFn = func(ctx context.Context, id string) ([]backend.ExtractedRecord, error) {
		mu.Lock()
		n := step
		mu.Unlock()
		if n < 3 {
			return nil, backend.ErrNotFound
		}
		return completedRecords(), nil
	}

	service, notifier := newTestService(fake, &fakeRates{rate: 4.2})
	loaded, err := service.LoadProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.Polling.Active {
		t.Fatal("expected polling to start while documents are processing")
	}

	// The UI renders the session, which keeps extracted data in the fetch set.
	if _, err := service.GetSession(loaded.SessionID); err != nil {
		t.Fatalf("get session: %v", err)
	}

	waitFor(t, time.Second, func() bool { return notifier.completeCount() == 1 })

	view, err := service.GetSession(loaded.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if view.Polling.Active {
		t.Fatal("polling must stop once all processing finished")
	}
	if !view.Polling.CompletionNotified {
		t.Fatal("completion must be recorded")
	}
	if notifier.completeCount() != 1 {
		t.Fatalf("expected exactly one completion notice, got %d", notifier.completeCount())
	}

	var premium *ConversionView
	for _, item := range view.Illustrations {
		if item.Illustration.ID == "ill-1" {
			if c, ok := item.Conversions["premium"]; ok {
				premium = &c
			}
		}
	}
	if premium == nil {
		t.Fatal("expected a batch conversion for ill-1 premium")
	}
	if premium.Formatted != "MYR 420" {
		t.Fatalf("expected MYR 420, got %q", premium.Formatted)
	}
	if premium.Saved {
		t.Fatal("batch conversions are not persisted")
	}

	found := false
	for _, notice := range view.Notices {
		if notice.Level == "info" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a completion notice on the session")
	}
}

func TestPollingFailureRaisesStickyNotice(t *testing.T) {
	fake := &fakeBackend{}
	var mu sync.Mutex
	calls := 0
	fake.getProposalFn = func(ctx context.Context, id string) (*backend.Proposal, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return testProposal(backend.StatusExtracting), nil
		}
		return nil, backend.ErrUnavailable
	}

	service, notifier := newTestService(fake, &fakeRates{rate: 4.2})
	loaded, err := service.LoadProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	waitFor(t, time.Second, func() bool { return notifier.failureCount() == 1 })

	view, err := service.GetSession(loaded.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if view.Polling.Active {
		t.Fatal("polling must stop after the retry budget is spent")
	}
	if view.Polling.CompletionNotified {
		t.Fatal("a failure stop is not a completion")
	}

	var sticky *Notice
	for i, notice := range view.Notices {
		if notice.Sticky {
			sticky = &view.Notices[i]
		}
	}
	if sticky == nil {
		t.Fatal("expected a sticky failure notice")
	}

	if err := service.DismissNotice(loaded.SessionID, sticky.ID); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	view, _ = service.GetSession(loaded.SessionID)
	for _, notice := range view.Notices {
		if notice.ID == sticky.ID {
			t.Fatal("dismissed notice still present")
		}
	}
}

func TestSaveIllustrationPropagatesSharedFields(t *testing.T) {
	fake := staticBackend(testProposal(backend.StatusCompleted), completedRecords())
	service, _ := newTestService(fake, &fakeRates{rate: 4.2})

	loaded, err := service.LoadProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	result, err := service.SaveIllustration(context.Background(), loaded.SessionID, "ill-1", map[string]any{
		"clientAge": 45,
		"smoker":    true,
		"notes":     "reviewed",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(result.FailedSiblings) != 0 {
		t.Fatalf("unexpected sibling failures: %v", result.FailedSiblings)
	}

	sibling := fake.updatesFor("ill-2")
	if len(sibling) != 1 {
		t.Fatalf("expected exactly one sibling write, got %d", len(sibling))
	}
	if _, ok := sibling[0].fields["notes"]; ok {
		t.Fatal("non-shared field must not propagate")
	}
	if sibling[0].fields["clientAge"] != 45 {
		t.Fatalf("expected clientAge 45 on sibling, got %v", sibling[0].fields["clientAge"])
	}

	view, _ := service.GetSession(loaded.SessionID)
	for _, item := range view.Illustrations {
		if item.Illustration.ID == "ill-2" && item.Fields["clientAge"] != 45 {
			t.Fatalf("sibling view not updated, clientAge=%v", item.Fields["clientAge"])
		}
	}
}

func TestSaveIllustrationPersistsConversion(t *testing.T) {
	fake := staticBackend(testProposal(backend.StatusCompleted), completedRecords())
	service, _ := newTestService(fake, &fakeRates{rate: 4.2})

	loaded, err := service.LoadProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, err := service.SaveIllustration(context.Background(), loaded.SessionID, "ill-1", map[string]any{"premium": 200.0}); err != nil {
		t.Fatalf("save: %v", err)
	}

	saved := fake.updatesFor("ill-1")
	if len(saved) != 1 {
		t.Fatalf("expected one write, got %d", len(saved))
	}
	converted, ok := saved[0].fields["premiumConverted"].(convert.Result)
	if !ok {
		t.Fatal("expected the conversion to be persisted with the edit")
	}
	if converted.Formatted != "MYR 840" {
		t.Fatalf("expected MYR 840, got %q", converted.Formatted)
	}

	view, _ := service.GetSession(loaded.SessionID)
	for _, item := range view.Illustrations {
		if item.Illustration.ID != "ill-1" {
			continue
		}
		c, ok := item.Conversions["premium"]
		if !ok {
			t.Fatal("expected a premium conversion in the view")
		}
		if !c.Saved {
			t.Fatal("persisted conversion must win over the batch cache")
		}
		if c.Formatted != "MYR 840" {
			t.Fatalf("expected MYR 840, got %q", c.Formatted)
		}
	}
}

func TestSaveIllustrationConflict(t *testing.T) {
	fake := staticBackend(testProposal(backend.StatusCompleted), completedRecords())
	fake.updateFn = func(ctx context.Context, proposalID, illustrationID string, fields map[string]any) error {
		return backend.ErrConflict
	}
	service, _ := newTestService(fake, &fakeRates{rate: 4.2})

	loaded, err := service.LoadProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err = service.SaveIllustration(context.Background(), loaded.SessionID, "ill-1", map[string]any{"clientAge": 45})
	if !errors.Is(err, backend.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := fake.updateCount(); got != 1 {
		t.Fatalf("a rejected save must not fan out, got %d writes", got)
	}
}

func TestSaveIllustrationPartialSiblingFailure(t *testing.T) {
	fake := staticBackend(testProposal(backend.StatusCompleted), completedRecords())
	fake.updateFn = func(ctx context.Context, proposalID, illustrationID string, fields map[string]any) error {
		if illustrationID == "ill-2" {
			return backend.ErrUnavailable
		}
		return nil
	}
	service, notifier := newTestService(fake, &fakeRates{rate: 4.2})

	loaded, err := service.LoadProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	result, err := service.SaveIllustration(context.Background(), loaded.SessionID, "ill-1", map[string]any{"clientAge": 45})
	if err != nil {
		t.Fatalf("the originating save succeeded and must not fail: %v", err)
	}
	if len(result.FailedSiblings) != 1 || result.FailedSiblings[0] != "ill-2" {
		t.Fatalf("expected ill-2 reported as failed, got %v", result.FailedSiblings)
	}

	notifier.mu.Lock()
	degraded := len(notifier.degraded)
	notifier.mu.Unlock()
	if degraded != 1 {
		t.Fatalf("expected one degradation notice, got %d", degraded)
	}
}

func TestSeriesDraftLifecycle(t *testing.T) {
	records := completedRecords()
	records[0].Comprehensive["cashSurrenderValues"] = `[{"age":85,"value":1000},{"age":90,"value":2000}]`
	fake := staticBackend(testProposal(backend.StatusCompleted), records)
	service, _ := newTestService(fake, &fakeRates{rate: 4.2})

	loaded, err := service.LoadProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	view, err := service.AddSeriesAge(loaded.SessionID, "ill-1")
	if err != nil {
		t.Fatalf("add age: %v", err)
	}
	if !view.Draft {
		t.Fatal("editing must open a draft")
	}
	if len(view.Points) != 3 || view.Points[2].Age != 95 {
		t.Fatalf("expected ages 85,90,95, got %v", view.Points)
	}

	if _, err := service.SetSeriesValue(loaded.SessionID, "ill-1", 95, series.Known(3000)); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if _, err := service.ChangeSeriesAge(loaded.SessionID, "ill-1", 95, 100); err != nil {
		t.Fatalf("change age: %v", err)
	}
	if _, err := service.ChangeSeriesAge(loaded.SessionID, "ill-1", 100, 90); err == nil {
		t.Fatal("duplicate age must be rejected")
	}

	result, err := service.CommitSeriesDraft(context.Background(), loaded.SessionID, "ill-1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(result.FailedSiblings) != 0 {
		t.Fatalf("unexpected failures: %v", result.FailedSiblings)
	}

	saved := fake.updatesFor("ill-1")
	if len(saved) != 1 {
		t.Fatalf("expected one series write for the source, got %d", len(saved))
	}
	points, ok := saved[0].fields["cashSurrenderValues"].([]series.Point)
	if !ok || len(points) != 3 {
		t.Fatalf("expected 3 persisted points, got %v", saved[0].fields["cashSurrenderValues"])
	}
	if points[2].Age != 100 || points[2].Value != series.Known(3000) {
		t.Fatalf("relabeled row must keep its value, got %+v", points[2])
	}

	sibling := fake.updatesFor("ill-2")
	if len(sibling) != 1 {
		t.Fatalf("expected the sibling rebuilt on the new axis, got %d writes", len(sibling))
	}
	siblingPoints, ok := sibling[0].fields["cashSurrenderValues"].([]series.Point)
	if !ok || len(siblingPoints) != 3 {
		t.Fatalf("expected 3 sibling points, got %v", sibling[0].fields["cashSurrenderValues"])
	}
	for _, p := range siblingPoints {
		if p.Value.Known {
			t.Fatalf("sibling had no values; age %d must show the sentinel", p.Age)
		}
	}

	after, err := service.GetSeries(loaded.SessionID, "ill-1")
	if err != nil {
		t.Fatalf("get series: %v", err)
	}
	if after.Draft {
		t.Fatal("commit must clear the draft")
	}
	if len(after.Points) != 3 {
		t.Fatalf("expected the committed series, got %v", after.Points)
	}
}

func TestSeriesAddAgeAfterEmptyingDraft(t *testing.T) {
	records := completedRecords()
	records[0].Comprehensive["cashSurrenderValues"] = `[{"age":85,"value":1000},{"age":90,"value":2000}]`
	fake := staticBackend(testProposal(backend.StatusCompleted), records)
	service, _ := newTestService(fake, &fakeRates{rate: 4.2})

	loaded, err := service.LoadProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, err := service.RemoveSeriesAge(loaded.SessionID, "ill-1", 85); err != nil {
		t.Fatalf("remove 85: %v", err)
	}
	view, err := service.RemoveSeriesAge(loaded.SessionID, "ill-1", 90)
	if err != nil {
		t.Fatalf("remove 90: %v", err)
	}
	if len(view.Points) != 0 {
		t.Fatalf("expected an empty draft, got %v", view.Points)
	}

	view, err = service.AddSeriesAge(loaded.SessionID, "ill-1")
	if err != nil {
		t.Fatalf("add age: %v", err)
	}
	if len(view.Points) != 1 || view.Points[0].Age != 65 {
		t.Fatalf("an empty draft must restart at 65, got %v", view.Points)
	}
}

func TestSeriesDiscardDraft(t *testing.T) {
	fake := staticBackend(testProposal(backend.StatusCompleted), completedRecords())
	service, _ := newTestService(fake, &fakeRates{rate: 4.2})

	loaded, err := service.LoadProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := service.AddSeriesAge(loaded.SessionID, "ill-1"); err != nil {
		t.Fatalf("add age: %v", err)
	}
	if err := service.DiscardSeriesDraft(loaded.SessionID, "ill-1"); err != nil {
		t.Fatalf("discard: %v", err)
	}
	view, err := service.GetSeries(loaded.SessionID, "ill-1")
	if err != nil {
		t.Fatalf("get series: %v", err)
	}
	if view.Draft {
		t.Fatal("discard must close the draft")
	}
	if got := fake.updateCount(); got != 0 {
		t.Fatalf("a discarded draft must not persist anything, got %d writes", got)
	}
}

func TestManualRefreshRecomputesConversions(t *testing.T) {
	rates := &fakeRates{rate: 4.2}
	fake := staticBackend(testProposal(backend.StatusCompleted), completedRecords())
	service, _ := newTestService(fake, rates)

	loaded, err := service.LoadProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	rates.set(5)
	view, err := service.ManualRefresh(context.Background(), loaded.SessionID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	for _, item := range view.Illustrations {
		if item.Illustration.ID != "ill-1" {
			continue
		}
		if got := item.Conversions["premium"].Formatted; got != "MYR 500" {
			t.Fatalf("expected the refreshed rate applied, got %q", got)
		}
	}
}

func TestUploadValidation(t *testing.T) {
	fake := staticBackend(testProposal(backend.StatusCompleted), completedRecords())
	service, _ := newTestService(fake, &fakeRates{rate: 4.2})

	loaded, err := service.LoadProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err = service.UploadIllustrations(context.Background(), loaded.SessionID, []backend.UploadDocument{
		{Filename: "only-one.pdf", Content: []byte("x")},
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected a validation error for a single document, got %v", err)
	}

	_, err = service.UploadIllustrations(context.Background(), loaded.SessionID, []backend.UploadDocument{
		{Filename: "a.pdf", Content: make([]byte, backend.MaxUploadBytes+1)},
		{Filename: "b.pdf", Content: []byte("x")},
	})
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected a validation error for an oversized document, got %v", err)
	}
}

func TestDeleteIllustrationUpdatesSession(t *testing.T) {
	fake := staticBackend(testProposal(backend.StatusCompleted), completedRecords())
	service, _ := newTestService(fake, &fakeRates{rate: 4.2})

	loaded, err := service.LoadProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	view, err := service.DeleteIllustration(context.Background(), loaded.SessionID, "ill-1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(view.Illustrations) != 1 || view.Illustrations[0].Illustration.ID != "ill-2" {
		t.Fatalf("expected only ill-2 to remain, got %+v", view.Illustrations)
	}
}

func TestCloseSessionStopsPolling(t *testing.T) {
	fake := &fakeBackend{
		getProposalFn: func(ctx context.Context, id string) (*backend.Proposal, error) {
			return testProposal(backend.StatusExtracting), nil
		},
	}
	service, _ := newTestService(fake, &fakeRates{rate: 4.2})

	loaded, err := service.LoadProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := service.CloseSession(loaded.SessionID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := service.GetSession(loaded.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected the session gone, got %v", err)
	}

	settled := fake.proposalCallCount()
	time.Sleep(20 * time.Millisecond)
	if got := fake.proposalCallCount(); got > settled+1 {
		t.Fatalf("polling must stop with the session, %d ticks after close", got-settled)
	}
}

package app

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/aa-service/internal/domain"
	"github.com/transfa/aa-service/internal/store"
)

// memRepo is an in-memory store that mirrors the Postgres semantics the services
// rely on: version CAS on consents, unique processed idempotency keys, report
// upsert by txn_id and a single active token.
type memRepo struct {
	store.Repository

	mu            sync.Mutex
	consents      map[uuid.UUID]*domain.ConsentRequest
	events        map[uuid.UUID]*domain.WebhookEvent
	processedKeys map[string]uuid.UUID
	history       []domain.TxnStatusHistory
	reports       map[string]*domain.Report
	bsaRuns       map[string]*domain.BSARun
	token         *domain.TSPToken
	tokenWrites   int
	errorLogs     []domain.ErrorLog
	fiResults     []store.FIRequestResult

	// forceConflicts makes the next N ApplyConsentTransition calls fail with
	// ErrConcurrentUpdate after bumping the version.
	forceConflicts int
}

func newMemRepo() *memRepo {
	return &memRepo{
		consents:      map[uuid.UUID]*domain.ConsentRequest{},
		events:        map[uuid.UUID]*domain.WebhookEvent{},
		processedKeys: map[string]uuid.UUID{},
		reports:       map[string]*domain.Report{},
		bsaRuns:       map[string]*domain.BSARun{},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cloneConsent(c *domain.ConsentRequest) *domain.ConsentRequest {
	cp := *c
	cp.FITypes = append([]string(nil), c.FITypes...)
	return &cp
}

func (r *memRepo) addConsent(c *domain.ConsentRequest) *domain.ConsentRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = domain.ConsentStatusPending
	}
	if c.ReportStatus == "" {
		c.ReportStatus = domain.ReportStatusPending
	}
	if c.Version == 0 {
		c.Version = 1
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	r.consents[c.ID] = cloneConsent(c)
	return cloneConsent(c)
}

func (r *memRepo) consent(id uuid.UUID) *domain.ConsentRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneConsent(r.consents[id])
}

func (r *memRepo) CreateConsentRequest(ctx context.Context, c *domain.ConsentRequest) error {
	r.mu.Lock()
	for _, existing := range r.consents {
		if existing.RequestID == c.RequestID || existing.TxnID == c.TxnID {
			r.mu.Unlock()
			return store.ErrDuplicateConsent
		}
	}
	r.mu.Unlock()
	saved := r.addConsent(c)
	*c = *saved
	return nil
}

func (r *memRepo) GetConsentRequestByID(ctx context.Context, id uuid.UUID) (*domain.ConsentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consents[id]
	if !ok {
		return nil, store.ErrConsentNotFound
	}
	return cloneConsent(c), nil
}

func (r *memRepo) findConsent(match func(*domain.ConsentRequest) bool) (*domain.ConsentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.consents {
		if match(c) {
			return cloneConsent(c), nil
		}
	}
	return nil, store.ErrConsentNotFound
}

func (r *memRepo) FindConsentByTxnID(ctx context.Context, txnID string) (*domain.ConsentRequest, error) {
	return r.findConsent(func(c *domain.ConsentRequest) bool { return c.TxnID == txnID })
}

func (r *memRepo) FindConsentByHandle(ctx context.Context, handle string) (*domain.ConsentRequest, error) {
	return r.findConsent(func(c *domain.ConsentRequest) bool { return c.ConsentHandle == handle })
}

func (r *memRepo) FindConsentByRequestID(ctx context.Context, requestID int64) (*domain.ConsentRequest, error) {
	return r.findConsent(func(c *domain.ConsentRequest) bool { return c.RequestID == requestID })
}

func (r *memRepo) FindConsentByConsentID(ctx context.Context, consentID string) (*domain.ConsentRequest, error) {
	return r.findConsent(func(c *domain.ConsentRequest) bool { return c.ConsentID != nil && *c.ConsentID == consentID })
}

func (r *memRepo) sortedConsents(match func(*domain.ConsentRequest) bool) []domain.ConsentRequest {
	out := []domain.ConsentRequest{}
	for _, c := range r.consents {
		if match(c) {
			out = append(out, *cloneConsent(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *memRepo) ListConsentRequests(ctx context.Context, opts domain.ConsentListOptions) ([]domain.ConsentRequest, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.sortedConsents(func(c *domain.ConsentRequest) bool {
		if opts.Status != "" && string(c.Status) != strings.ToUpper(opts.Status) {
			return false
		}
		return opts.InternalUserID == "" || c.InternalUserID == opts.InternalUserID
	})
	total := int64(len(all))
	if opts.Skip >= len(all) {
		return []domain.ConsentRequest{}, total, nil
	}
	all = all[opts.Skip:]
	if opts.Limit > 0 && len(all) > opts.Limit {
		all = all[:opts.Limit]
	}
	return all, total, nil
}

func (r *memRepo) ListStaleConsents(ctx context.Context, statuses []domain.ConsentStatus, updatedBefore time.Time, limit int) ([]domain.ConsentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sortedConsents(func(c *domain.ConsentRequest) bool {
		if !c.UpdatedAt.Before(updatedBefore) {
			return false
		}
		for _, s := range statuses {
			if c.Status == s {
				return true
			}
		}
		return false
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) ApplyConsentTransition(ctx context.Context, t store.ConsentTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consents[t.ConsentRequestID]
	if !ok || c.Version != t.ExpectedVersion {
		return store.ErrConcurrentUpdate
	}
	if r.forceConflicts > 0 {
		r.forceConflicts--
		c.Version++
		return store.ErrConcurrentUpdate
	}

	c.Status = t.Status
	if c.ConsentID == nil && t.ConsentID != nil {
		id := *t.ConsentID
		c.ConsentID = &id
	}
	c.ReportGenerated = c.ReportGenerated || t.ReportGenerated
	c.ReportStatus = t.ReportStatus
	if t.FIRequestInitiated && !c.FIRequestInitiated {
		at := t.ObservedAt
		c.FIRequestInitiatedAt = &at
	}
	c.FIRequestInitiated = c.FIRequestInitiated || t.FIRequestInitiated
	if t.ReportRetrievalStarted && !c.ReportRetrievalStarted {
		at := t.ObservedAt
		c.ReportRetrievalStartedAt = &at
	}
	c.ReportRetrievalStarted = c.ReportRetrievalStarted || t.ReportRetrievalStarted
	observed := t.ObservedAt
	c.LastWebhookReceivedAt = &observed
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	r.history = append(r.history, t.History...)
	return nil
}

func (r *memRepo) RecordFIRequestResult(ctx context.Context, res store.FIRequestResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consents[res.ConsentRequestID]
	if !ok {
		return store.ErrConsentNotFound
	}
	c.FIRequestInitiated = true
	if c.FIRequestInitiatedAt == nil {
		at := res.InitiatedAt
		c.FIRequestInitiatedAt = &at
	}
	session, txn := res.SessionID, res.FITxnID
	c.FISessionID = &session
	c.FITxnID = &txn
	c.Version++
	r.fiResults = append(r.fiResults, res)
	return nil
}

func (r *memRepo) MarkConsentReportCompleted(ctx context.Context, txnID string, reportStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.consents {
		if c.TxnID == txnID {
			c.ReportStatus = reportStatus
			c.ReportGenerated = c.ReportGenerated || reportStatus == domain.ReportStatusCompleted
			c.Version++
		}
	}
	return nil
}

func (r *memRepo) CreateWebhookEvent(ctx context.Context, e *domain.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	cp := *e
	r.events[e.ID] = &cp
	return nil
}

func (r *memRepo) HasProcessedWebhookEvent(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processedKeys[key]
	return ok, nil
}

func (r *memRepo) MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, key *string, processingError *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return store.ErrWebhookEventMissing
	}
	if key != nil {
		if owner, taken := r.processedKeys[*key]; taken && owner != id {
			return store.ErrDuplicateEvent
		}
		r.processedKeys[*key] = id
		k := *key
		e.IdempotencyKey = &k
	}
	now := time.Now().UTC()
	e.Processed = true
	e.ProcessedAt = &now
	e.ProcessingError = processingError
	return nil
}

func (r *memRepo) MarkWebhookEventDuplicate(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[id]; ok {
		e.Duplicate = true
	}
	return nil
}

func (r *memRepo) MarkWebhookEventFailed(ctx context.Context, id uuid.UUID, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[id]; ok {
		msg := processingError
		e.ProcessingError = &msg
	}
	return nil
}

func (r *memRepo) ListStatusHistory(ctx context.Context, id uuid.UUID) ([]domain.TxnStatusHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.TxnStatusHistory{}
	for _, h := range r.history {
		if h.ConsentRequestID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *memRepo) eventList() []domain.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.WebhookEvent, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, *e)
	}
	return out
}

func (r *memRepo) historyFor(id uuid.UUID) []domain.TxnStatusHistory {
	h, _ := r.ListStatusHistory(context.Background(), id)
	return h
}

func (r *memRepo) UpsertReport(ctx context.Context, rep *domain.Report) (*domain.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := r.reports[rep.TxnID]
	if !ok {
		cp := *rep
		if cp.ID == uuid.Nil {
			cp.ID = uuid.New()
		}
		cp.CreatedAt = now
		cp.UpdatedAt = now
		r.reports[rep.TxnID] = &cp
		out := cp
		return &out, nil
	}
	existing.ReportType = rep.ReportType
	existing.Status = rep.Status
	existing.ErrorMessage = rep.ErrorMessage
	if rep.JSONData != nil {
		existing.JSONData = rep.JSONData
	}
	if rep.Extracted != nil {
		existing.Extracted = rep.Extracted
	}
	if rep.RequestID != nil {
		existing.RequestID = rep.RequestID
	}
	if rep.SourceReportURL != nil {
		existing.SourceReportURL = rep.SourceReportURL
	}
	if rep.Metadata != nil {
		existing.Metadata = rep.Metadata
	}
	if rep.RetrievedAt != nil {
		existing.RetrievedAt = rep.RetrievedAt
	}
	existing.UpdatedAt = now
	out := *existing
	return &out, nil
}

func (r *memRepo) GetReportByID(ctx context.Context, id uuid.UUID) (*domain.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range r.reports {
		if rep.ID == id {
			out := *rep
			return &out, nil
		}
	}
	return nil, store.ErrReportNotFound
}

func (r *memRepo) GetReportByTxnID(ctx context.Context, txnID string) (*domain.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[txnID]
	if !ok {
		return nil, store.ErrReportNotFound
	}
	out := *rep
	return &out, nil
}

func (r *memRepo) CreateBSARun(ctx context.Context, run *domain.BSARun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.CreatedAt = time.Now().UTC()
	run.UpdatedAt = run.CreatedAt
	cp := *run
	r.bsaRuns[run.TrackingID] = &cp
	return nil
}

func (r *memRepo) GetBSARunByTrackingID(ctx context.Context, trackingID string) (*domain.BSARun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.bsaRuns[trackingID]
	if !ok {
		return nil, store.ErrBSARunNotFound
	}
	out := *run
	return &out, nil
}

func (r *memRepo) ListBSARunsByReportID(ctx context.Context, reportID uuid.UUID) ([]domain.BSARun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.BSARun{}
	for _, run := range r.bsaRuns {
		if run.ReportID == reportID {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (r *memRepo) UpdateBSARun(ctx context.Context, trackingID string, p store.UpdateBSARunParams) (*domain.BSARun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.bsaRuns[trackingID]
	if !ok {
		return nil, store.ErrBSARunNotFound
	}
	if run.Status.IsTerminal() {
		out := *run
		return &out, nil
	}
	run.Status = p.Status
	if p.JSONDocsURL != nil {
		run.JSONDocsURL = p.JSONDocsURL
	}
	if p.XLSXDocsURL != nil {
		run.XLSXDocsURL = p.XLSXDocsURL
	}
	if p.LastResponse != nil {
		run.LastResponse = p.LastResponse
	}
	if p.ErrorMessage != nil {
		run.ErrorMessage = p.ErrorMessage
	}
	if run.CompletedAt == nil {
		run.CompletedAt = p.CompletedAt
	}
	run.UpdatedAt = time.Now().UTC()
	out := *run
	return &out, nil
}

func (r *memRepo) GetActiveToken(ctx context.Context) (*domain.TSPToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == nil {
		return nil, store.ErrTokenNotFound
	}
	out := *r.token
	return &out, nil
}

func (r *memRepo) ReplaceActiveToken(ctx context.Context, t *domain.TSPToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	cp := *t
	r.token = &cp
	r.tokenWrites++
	return nil
}

func (r *memRepo) CreateErrorLog(ctx context.Context, e *domain.ErrorLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorLogs = append(r.errorLogs, *e)
	return nil
}

func (r *memRepo) errorLogList() []domain.ErrorLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ErrorLog(nil), r.errorLogs...)
}

// recordingDispatcher captures triggers instead of running them.
type recordingDispatcher struct {
	mu       sync.Mutex
	triggers []domain.TriggerMessage
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, msg domain.TriggerMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.triggers = append(d.triggers, msg)
}

func (d *recordingDispatcher) count(kind domain.TriggerKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.triggers {
		if t.Kind == kind {
			n++
		}
	}
	return n
}

// recordingPublisher captures bus messages.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

type publishedMessage struct {
	exchange   string
	routingKey string
	body       interface{}
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, publishedMessage{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) byRoutingKey(key string) []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []publishedMessage{}
	for _, m := range p.messages {
		if m.routingKey == key {
			out = append(out, m)
		}
	}
	return out
}

func strPtr(s string) *string { return &s }

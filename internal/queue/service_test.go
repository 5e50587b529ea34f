package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clinic/visit-queue/internal/models"
	"clinic/visit-queue/internal/store"
	"clinic/visit-queue/internal/store/memory"
	"clinic/visit-queue/internal/vitals"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeDirectory struct {
	windowFunc func(ctx context.Context, doctorID string, at time.Time) (models.WorkingWindow, bool, error)
}

func (f fakeDirectory) WorkingWindow(ctx context.Context, doctorID string, at time.Time) (models.WorkingWindow, bool, error) {
	return f.windowFunc(ctx, doctorID, at)
}

type fakeVitals struct {
	recordedFunc func(ctx context.Context, visitID string) (bool, error)
}

func (f fakeVitals) Recorded(ctx context.Context, visitID string) (bool, error) {
	return f.recordedFunc(ctx, visitID)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(ctx context.Context, token models.Token, eventType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) list() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	copy(out, p.events)
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc       *Service
	store     *memory.Store
	clock     *clock
	publisher *recordingPublisher
	doctorID  string
}

func openWindow(max int) fakeDirectory {
	return fakeDirectory{windowFunc: func(ctx context.Context, doctorID string, at time.Time) (models.WorkingWindow, bool, error) {
		start := time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)
		return models.WorkingWindow{DoctorID: doctorID, Start: start, End: start.Add(10 * time.Hour), MaxPatientsPerDay: max}, true, nil
	}}
}

func newHarness(t *testing.T, directory fakeDirectory, checker *fakeVitals) *harness {
	t.Helper()
	st := memory.NewStore()
	c := &clock{now: time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	var vc vitals.Checker
	if checker != nil {
		vc = *checker
	}
	svc := NewService(st, directory, vc, pub, Options{
		UpstreamTimeout: 50 * time.Millisecond,
		Now:             c.Now,
		Logger:          zerolog.Nop(),
	})
	return &harness{svc: svc, store: st, clock: c, publisher: pub, doctorID: uuid.NewString()}
}

func (h *harness) issue(t *testing.T, priority models.Priority) models.Token {
	t.Helper()
	token, created, err := h.svc.IssueToken(context.Background(), IssueTokenInput{
		RequestID: uuid.NewString(),
		PatientID: uuid.NewString(),
		DoctorID:  h.doctorID,
		Priority:  priority,
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if !created {
		t.Fatalf("expected new token")
	}
	return token
}

func (h *harness) doctor() DoctorActionInput {
	return DoctorActionInput{RequestID: uuid.NewString(), DoctorID: h.doctorID, Actor: "doctor"}
}

func ready(tokenID string) ActionInput {
	yes := true
	return ActionInput{RequestID: uuid.NewString(), TokenID: tokenID, VitalsRecorded: &yes}
}

func TestIssueTokenAssignsIncreasingNumbers(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	first := h.issue(t, models.PriorityNormal)
	second := h.issue(t, models.PriorityNormal)
	if first.Status != models.StatusWaiting || first.TokenNumber != 1 || second.TokenNumber != 2 {
		t.Fatalf("unexpected tokens %+v %+v", first, second)
	}
	if first.ServiceDay != "2026-01-12" {
		t.Fatalf("unexpected service day %s", first.ServiceDay)
	}
	if first.Origin != models.OriginWalkIn {
		t.Fatalf("expected walk-in origin, got %s", first.Origin)
	}
}

func TestIssueTokenCapacityExceeded(t *testing.T) {
	h := newHarness(t, openWindow(2), nil)
	h.issue(t, models.PriorityNormal)
	h.issue(t, models.PriorityNormal)

	_, _, err := h.svc.IssueToken(context.Background(), IssueTokenInput{PatientID: uuid.NewString(), DoctorID: h.doctorID})
	var capErr *store.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if capErr.Decision.Reason != "queue full" || capErr.Decision.CurrentQueue != 2 {
		t.Fatalf("unexpected decision %+v", capErr.Decision)
	}
	tokens, _ := h.store.ListForDoctorDay(context.Background(), h.doctorID, "2026-01-12")
	if len(tokens) != 2 {
		t.Fatalf("expected no token to be created, have %d", len(tokens))
	}
}

func TestIssueTokenOutsideWorkingWindow(t *testing.T) {
	h := newHarness(t, fakeDirectory{windowFunc: func(ctx context.Context, doctorID string, at time.Time) (models.WorkingWindow, bool, error) {
		return models.WorkingWindow{}, false, nil
	}}, nil)
	_, _, err := h.svc.IssueToken(context.Background(), IssueTokenInput{PatientID: uuid.NewString(), DoctorID: h.doctorID})
	var capErr *store.CapacityError
	if !errors.As(err, &capErr) || capErr.Decision.Reason != "not scheduled today/right now" {
		t.Fatalf("expected not scheduled decision, got %v", err)
	}
}

func TestIssueTokenFailsClosedOnAvailabilityTimeout(t *testing.T) {
	h := newHarness(t, fakeDirectory{windowFunc: func(ctx context.Context, doctorID string, at time.Time) (models.WorkingWindow, bool, error) {
		<-ctx.Done()
		return models.WorkingWindow{}, false, ctx.Err()
	}}, nil)
	_, _, err := h.svc.IssueToken(context.Background(), IssueTokenInput{PatientID: uuid.NewString(), DoctorID: h.doctorID})
	if !errors.Is(err, store.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	tokens, _ := h.store.ListForDoctorDay(context.Background(), h.doctorID, "2026-01-12")
	if len(tokens) != 0 {
		t.Fatalf("expected no token on timeout")
	}
}

func TestIssueTokenDuplicateActive(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	patientID := uuid.NewString()
	in := IssueTokenInput{PatientID: patientID, DoctorID: h.doctorID}
	if _, _, err := h.svc.IssueToken(context.Background(), in); err != nil {
		t.Fatalf("first issue: %v", err)
	}
	if _, _, err := h.svc.IssueToken(context.Background(), in); !errors.Is(err, store.ErrDuplicateActiveToken) {
		t.Fatalf("expected duplicate active token, got %v", err)
	}
}

func TestIssueTokenReplaysRequestID(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	in := IssueTokenInput{RequestID: uuid.NewString(), PatientID: uuid.NewString(), DoctorID: h.doctorID}
	first, created, err := h.svc.IssueToken(context.Background(), in)
	if err != nil || !created {
		t.Fatalf("first issue: created=%v err=%v", created, err)
	}
	second, created, err := h.svc.IssueToken(context.Background(), in)
	if err != nil || created || second.TokenID != first.TokenID {
		t.Fatalf("expected replay of %s, got %s created=%v err=%v", first.TokenID, second.TokenID, created, err)
	}
}

func TestIssueTokenValidatesOrigin(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	_, _, err := h.svc.IssueToken(context.Background(), IssueTokenInput{
		PatientID: uuid.NewString(),
		DoctorID:  h.doctorID,
		Origin:    models.OriginAppointment,
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCallNextFollowsPriorityOrder(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	normal := h.issue(t, models.PriorityNormal)
	urgent := h.issue(t, models.PriorityUrgent)
	priority := h.issue(t, models.PriorityHigh)

	for _, want := range []models.Token{urgent, priority, normal} {
		got, err := h.svc.CallNext(context.Background(), h.doctor())
		if err != nil {
			t.Fatalf("call next: %v", err)
		}
		if got.TokenID != want.TokenID {
			t.Fatalf("expected token #%d, got #%d", want.TokenNumber, got.TokenNumber)
		}
		if got.Status != models.StatusReady || got.CalledAt == nil {
			t.Fatalf("expected ready token with calledAt, got %+v", got)
		}
	}
	if _, err := h.svc.CallNext(context.Background(), h.doctor()); !errors.Is(err, store.ErrEmptyQueue) {
		t.Fatalf("expected empty queue, got %v", err)
	}
}

func TestCallNextSkipsDelayedTokens(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	urgent := h.issue(t, models.PriorityUrgent)
	normal := h.issue(t, models.PriorityNormal)
	if _, err := h.svc.SetDelay(context.Background(), ActionInput{TokenID: urgent.TokenID, Reason: "lab results"}); err != nil {
		t.Fatalf("set delay: %v", err)
	}

	got, err := h.svc.CallNext(context.Background(), h.doctor())
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if got.TokenID != normal.TokenID {
		t.Fatalf("expected delayed token to be skipped")
	}

	if _, err := h.svc.ClearDelay(context.Background(), ActionInput{TokenID: urgent.TokenID}); err != nil {
		t.Fatalf("clear delay: %v", err)
	}
	got, err = h.svc.CallNext(context.Background(), h.doctor())
	if err != nil || got.TokenID != urgent.TokenID {
		t.Fatalf("expected urgent token after clearing delay, got %v %v", got.TokenID, err)
	}
}

func TestScenarioUrgentFirstThenSingleConsultation(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	a := h.issue(t, models.PriorityNormal)
	b := h.issue(t, models.PriorityUrgent)

	called, err := h.svc.CallNext(context.Background(), h.doctor())
	if err != nil || called.TokenID != b.TokenID {
		t.Fatalf("expected B to be called, got %v %v", called.TokenID, err)
	}
	started, err := h.svc.StartConsultation(context.Background(), ActionInput{TokenID: b.TokenID})
	if err != nil || started.Status != models.StatusServing || started.ServingStartedAt == nil {
		t.Fatalf("start B: %+v %v", started, err)
	}

	_, err = h.svc.StartConsultation(context.Background(), ActionInput{TokenID: a.TokenID})
	var active *store.ActiveConsultationError
	if !errors.As(err, &active) {
		t.Fatalf("expected active consultation error, got %v", err)
	}
	if active.Active.TokenID != b.TokenID {
		t.Fatalf("expected active token B, got %s", active.Active.TokenID)
	}
	if !errors.Is(err, store.ErrActiveConsultationExists) {
		t.Fatalf("expected errors.Is match on sentinel")
	}
	current, _ := h.svc.GetToken(context.Background(), a.TokenID)
	if current.Status != models.StatusWaiting || current.Version != a.Version {
		t.Fatalf("expected A untouched, got %+v", current)
	}
}

func TestStartWithoutActiveConsultationStillChecksStatus(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	token := h.issue(t, models.PriorityNormal)
	_, err := h.svc.StartConsultation(context.Background(), ActionInput{TokenID: token.TokenID})
	var transition *store.TransitionError
	if !errors.As(err, &transition) || transition.From != models.StatusWaiting {
		t.Fatalf("expected transition error from waiting, got %v", err)
	}
}

func TestMarkReadyIsIdempotent(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	token := h.issue(t, models.PriorityNormal)

	first, err := h.svc.MarkReady(context.Background(), ready(token.TokenID))
	if err != nil {
		t.Fatalf("first mark ready: %v", err)
	}
	second, err := h.svc.MarkReady(context.Background(), ready(token.TokenID))
	if err != nil {
		t.Fatalf("second mark ready: %v", err)
	}
	if second.Status != models.StatusReady || second.Version != first.Version {
		t.Fatalf("expected unchanged ready token, got %+v", second)
	}
	if got := h.publisher.list(); len(got) != 2 {
		t.Fatalf("expected issue and ready events only, got %v", got)
	}
}

func TestMarkReadyVitalsGuard(t *testing.T) {
	visitWithVitals := uuid.NewString()
	visitWithout := uuid.NewString()
	visitTimeout := uuid.NewString()
	checker := &fakeVitals{recordedFunc: func(ctx context.Context, visitID string) (bool, error) {
		switch visitID {
		case visitWithVitals:
			return true, nil
		case visitWithout:
			return false, nil
		default:
			<-ctx.Done()
			return false, ctx.Err()
		}
	}}
	h := newHarness(t, openWindow(20), checker)

	issueWithVisit := func(visitID string) models.Token {
		token, _, err := h.svc.IssueToken(context.Background(), IssueTokenInput{PatientID: uuid.NewString(), DoctorID: h.doctorID, VisitID: visitID})
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		return token
	}

	no := false
	refused := issueWithVisit(visitWithVitals)
	if _, err := h.svc.MarkReady(context.Background(), ActionInput{TokenID: refused.TokenID, VitalsRecorded: &no}); !errors.Is(err, store.ErrVitalsMissing) {
		t.Fatalf("expected caller signal to refuse, got %v", err)
	}

	ok := issueWithVisit(visitWithVitals)
	if _, err := h.svc.MarkReady(context.Background(), ActionInput{TokenID: ok.TokenID}); err != nil {
		t.Fatalf("expected vitals lookup to allow, got %v", err)
	}

	missing := issueWithVisit(visitWithout)
	if _, err := h.svc.MarkReady(context.Background(), ActionInput{TokenID: missing.TokenID}); !errors.Is(err, store.ErrVitalsMissing) {
		t.Fatalf("expected vitals missing, got %v", err)
	}

	slow := issueWithVisit(visitTimeout)
	if _, err := h.svc.MarkReady(context.Background(), ActionInput{TokenID: slow.TokenID}); !errors.Is(err, store.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	current, _ := h.svc.GetToken(context.Background(), slow.TokenID)
	if current.Status != models.StatusWaiting {
		t.Fatalf("expected token to stay waiting, got %s", current.Status)
	}

	noVisit := h.issue(t, models.PriorityNormal)
	if _, err := h.svc.MarkReady(context.Background(), ActionInput{TokenID: noVisit.TokenID}); !errors.Is(err, store.ErrVitalsMissing) {
		t.Fatalf("expected token without a visit to be refused, got %v", err)
	}
	current, _ = h.svc.GetToken(context.Background(), noVisit.TokenID)
	if current.Status != models.StatusWaiting {
		t.Fatalf("expected token without a visit to stay waiting, got %s", current.Status)
	}

	yes := true
	if _, err := h.svc.MarkReady(context.Background(), ActionInput{TokenID: noVisit.TokenID, VitalsRecorded: &yes}); err != nil {
		t.Fatalf("expected caller signal to allow, got %v", err)
	}
}

func TestUnmarkReadyKeepsCalledAt(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	token := h.issue(t, models.PriorityNormal)
	readied, err := h.svc.MarkReady(context.Background(), ready(token.TokenID))
	if err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	h.clock.Advance(time.Minute)
	waiting, err := h.svc.UnmarkReady(context.Background(), ActionInput{TokenID: token.TokenID})
	if err != nil {
		t.Fatalf("unmark ready: %v", err)
	}
	if waiting.Status != models.StatusWaiting || waiting.CalledAt == nil || !waiting.CalledAt.Equal(*readied.CalledAt) {
		t.Fatalf("expected waiting token with original calledAt, got %+v", waiting)
	}

	h.clock.Advance(time.Minute)
	called, err := h.svc.CallNext(context.Background(), h.doctor())
	if err != nil || called.TokenID != token.TokenID {
		t.Fatalf("call next: %v %v", called.TokenID, err)
	}
	if called.Status != models.StatusReady || !called.CalledAt.Equal(*readied.CalledAt) {
		t.Fatalf("expected calledAt to stay %s, got %s", readied.CalledAt, called.CalledAt)
	}
}

func TestCancelFromEveryActiveStatus(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)

	waiting := h.issue(t, models.PriorityNormal)
	h.issue(t, models.PriorityUrgent)
	serving, err := h.svc.CallNextAndStart(context.Background(), h.doctor())
	if err != nil || serving.Status != models.StatusServing {
		t.Fatalf("call next and start: %v", err)
	}
	readyToken := h.issue(t, models.PriorityNormal)
	if _, err := h.svc.MarkReady(context.Background(), ready(readyToken.TokenID)); err != nil {
		t.Fatalf("mark ready: %v", err)
	}

	for _, token := range []models.Token{waiting, readyToken, serving} {
		cancelled, err := h.svc.Cancel(context.Background(), ActionInput{TokenID: token.TokenID})
		if err != nil {
			t.Fatalf("cancel %d: %v", token.TokenNumber, err)
		}
		if cancelled.Status != models.StatusCancelled || cancelled.CancelledAt == nil {
			t.Fatalf("expected cancelled token, got %+v", cancelled)
		}
		again, err := h.svc.Cancel(context.Background(), ActionInput{TokenID: token.TokenID})
		if err != nil || again.Status != models.StatusCancelled {
			t.Fatalf("expected repeated cancel to be a no-op, got %v", err)
		}
	}
}

func TestInvalidTransitionIsReported(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	token := h.issue(t, models.PriorityNormal)
	_, err := h.svc.CompleteConsultation(context.Background(), ActionInput{TokenID: token.TokenID})
	var transition *store.TransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if transition.From != models.StatusWaiting || transition.Attempted != store.ActionComplete {
		t.Fatalf("unexpected transition error %+v", transition)
	}
	current, _ := h.svc.GetToken(context.Background(), token.TokenID)
	if current.Status != models.StatusWaiting {
		t.Fatalf("expected state untouched, got %s", current.Status)
	}
}

func TestCallNextAndStartIsAtomic(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	h.issue(t, models.PriorityNormal)
	h.issue(t, models.PriorityNormal)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.CallNextAndStart(context.Background(), h.doctor())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrActiveConsultationExists), errors.Is(err, store.ErrEmptyQueue):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one success, got %d", succeeded)
	}
	tokens, _ := h.store.ListActiveForDoctor(context.Background(), h.doctorID, "2026-01-12")
	serving := 0
	for _, token := range tokens {
		if token.Status == models.StatusServing {
			serving++
		}
	}
	if serving != 1 {
		t.Fatalf("expected one serving token, got %d", serving)
	}
}

func TestCallNextAndStartFollowsRankAndLeavesStateOnConflict(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	urgentWaiting := h.issue(t, models.PriorityUrgent)
	normalReady := h.issue(t, models.PriorityNormal)
	if _, err := h.svc.MarkReady(context.Background(), ready(normalReady.TokenID)); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	normalReady, _ = h.svc.GetToken(context.Background(), normalReady.TokenID)

	started, err := h.svc.CallNextAndStart(context.Background(), h.doctor())
	if err != nil || started.TokenID != urgentWaiting.TokenID {
		t.Fatalf("expected urgent waiting token to be started, got %v %v", started.TokenID, err)
	}
	if started.CalledAt == nil || started.ServingStartedAt == nil {
		t.Fatalf("expected calledAt and servingStartedAt set, got %+v", started)
	}

	_, err = h.svc.CallNextAndStart(context.Background(), h.doctor())
	var active *store.ActiveConsultationError
	if !errors.As(err, &active) || active.Active.TokenID != urgentWaiting.TokenID {
		t.Fatalf("expected active consultation error, got %v", err)
	}
	untouched, _ := h.svc.GetToken(context.Background(), normalReady.TokenID)
	if untouched.Status != models.StatusReady || untouched.Version != normalReady.Version {
		t.Fatalf("expected ready token untouched, got %+v", untouched)
	}
}

func TestCompleteConsultation(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	h.issue(t, models.PriorityNormal)
	started, err := h.svc.CallNextAndStart(context.Background(), h.doctor())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(9 * time.Minute)
	done, err := h.svc.CompleteConsultation(context.Background(), ActionInput{TokenID: started.TokenID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.StatusCompleted || done.CompletedAt == nil || done.CompletedAt.Sub(*done.ServingStartedAt) != 9*time.Minute {
		t.Fatalf("unexpected completed token %+v", done)
	}
	if _, err := h.svc.CompleteConsultation(context.Background(), ActionInput{TokenID: started.TokenID}); err != nil {
		t.Fatalf("expected repeated complete to be a no-op, got %v", err)
	}
}

func TestForceEndConsultation(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	if _, err := h.svc.ForceEndConsultation(context.Background(), h.doctor()); !errors.Is(err, store.ErrNoActiveConsultation) {
		t.Fatalf("expected no active consultation, got %v", err)
	}

	h.issue(t, models.PriorityNormal)
	started, err := h.svc.CallNextAndStart(context.Background(), h.doctor())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ended, err := h.svc.ForceEndConsultation(context.Background(), h.doctor())
	if err != nil {
		t.Fatalf("force end: %v", err)
	}
	if ended.TokenID != started.TokenID || ended.Status != models.StatusCompleted {
		t.Fatalf("unexpected force-ended token %+v", ended)
	}
	events, _ := h.svc.TokenEvents(context.Background(), ended.TokenID)
	if last := events[len(events)-1]; last.Type != "token.force_completed" {
		t.Fatalf("expected force_completed event, got %s", last.Type)
	}
}

func TestMarkMissedKeepsHistory(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	token := h.issue(t, models.PriorityNormal)
	if _, err := h.svc.MarkReady(context.Background(), ready(token.TokenID)); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	missed, err := h.svc.MarkMissed(context.Background(), ActionInput{TokenID: token.TokenID})
	if err != nil || missed.Status != models.StatusMissed || missed.MissedAt == nil {
		t.Fatalf("mark missed: %+v %v", missed, err)
	}
	events, err := h.svc.TokenEvents(context.Background(), token.TokenID)
	if err != nil {
		t.Fatalf("token events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected issued, ready and missed events, got %d", len(events))
	}
	if _, err := h.svc.StartConsultation(context.Background(), ActionInput{TokenID: token.TokenID}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected missed token to be terminal, got %v", err)
	}
}

func TestTokenNumbersNeverReused(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	first := h.issue(t, models.PriorityNormal)
	if _, err := h.svc.Cancel(context.Background(), ActionInput{TokenID: first.TokenID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	second := h.issue(t, models.PriorityNormal)
	if second.TokenNumber != first.TokenNumber+1 {
		t.Fatalf("expected token number %d, got %d", first.TokenNumber+1, second.TokenNumber)
	}
}

func TestSetPriorityAndAttachVisit(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	first := h.issue(t, models.PriorityNormal)
	second := h.issue(t, models.PriorityNormal)

	if _, err := h.svc.SetPriority(context.Background(), ActionInput{TokenID: second.TokenID, Priority: models.PriorityUrgent}); err != nil {
		t.Fatalf("set priority: %v", err)
	}
	if _, err := h.svc.SetPriority(context.Background(), ActionInput{TokenID: second.TokenID, Priority: 9}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid priority, got %v", err)
	}
	called, err := h.svc.CallNext(context.Background(), h.doctor())
	if err != nil || called.TokenID != second.TokenID {
		t.Fatalf("expected upgraded token first, got %v %v", called.TokenID, err)
	}

	visitID := uuid.NewString()
	attached, err := h.svc.AttachVisit(context.Background(), ActionInput{TokenID: first.TokenID, VisitID: visitID})
	if err != nil || attached.VisitID == nil || *attached.VisitID != visitID {
		t.Fatalf("attach visit: %+v %v", attached, err)
	}
	if _, err := h.svc.AttachVisit(context.Background(), ActionInput{TokenID: first.TokenID, VisitID: visitID}); err != nil {
		t.Fatalf("expected same visit to be a no-op, got %v", err)
	}
	if _, err := h.svc.AttachVisit(context.Background(), ActionInput{TokenID: first.TokenID, VisitID: uuid.NewString()}); !errors.Is(err, store.ErrVisitAlreadyAttached) {
		t.Fatalf("expected visit already attached, got %v", err)
	}
}

func TestAppointmentCheckInAndCancel(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	appointmentID := uuid.NewString()
	in := CheckInInput{AppointmentID: appointmentID, PatientID: uuid.NewString(), DoctorID: h.doctorID}

	token, created, err := h.svc.CheckInAppointment(context.Background(), in)
	if err != nil || !created {
		t.Fatalf("check in: created=%v err=%v", created, err)
	}
	if token.Origin != models.OriginAppointment || token.AppointmentID == nil || *token.AppointmentID != appointmentID {
		t.Fatalf("unexpected appointment token %+v", token)
	}
	again, created, err := h.svc.CheckInAppointment(context.Background(), in)
	if err != nil || created || again.TokenID != token.TokenID {
		t.Fatalf("expected repeated check-in to return the same token")
	}

	cancelled, err := h.svc.CancelAppointment(context.Background(), "", appointmentID, "appointments")
	if err != nil || cancelled.Status != models.StatusCancelled {
		t.Fatalf("cancel appointment: %+v %v", cancelled, err)
	}
	if _, err := h.svc.CancelAppointment(context.Background(), "", appointmentID, "appointments"); !errors.Is(err, store.ErrAppointmentNotFound) {
		t.Fatalf("expected appointment not found, got %v", err)
	}
}

func TestSweepStaleReadyMarksMissed(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	stale := h.issue(t, models.PriorityNormal)
	if _, err := h.svc.MarkReady(context.Background(), ready(stale.TokenID)); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	h.clock.Advance(10 * time.Minute)
	fresh := h.issue(t, models.PriorityNormal)
	if _, err := h.svc.MarkReady(context.Background(), ready(fresh.TokenID)); err != nil {
		t.Fatalf("mark ready: %v", err)
	}

	count, err := h.svc.SweepStaleReady(context.Background(), 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one token swept, got %d", count)
	}
	swept, _ := h.svc.GetToken(context.Background(), stale.TokenID)
	if swept.Status != models.StatusMissed {
		t.Fatalf("expected stale token missed, got %s", swept.Status)
	}
	kept, _ := h.svc.GetToken(context.Background(), fresh.TokenID)
	if kept.Status != models.StatusReady {
		t.Fatalf("expected fresh token ready, got %s", kept.Status)
	}
}

func TestQueueStatusSummarizesDay(t *testing.T) {
	h := newHarness(t, openWindow(20), nil)
	h.issue(t, models.PriorityNormal)
	h.issue(t, models.PriorityNormal)
	if _, err := h.svc.CallNextAndStart(context.Background(), h.doctor()); err != nil {
		t.Fatalf("start: %v", err)
	}

	status, err := h.svc.QueueStatus(context.Background(), h.doctorID, nil)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if len(status.Tokens) != 2 || status.Summary.WaitingCount != 1 || status.Summary.ServingToken == nil {
		t.Fatalf("unexpected queue status %+v", status)
	}
	filtered, err := h.svc.QueueStatus(context.Background(), h.doctorID, []string{models.StatusServing})
	if err != nil || len(filtered.Tokens) != 1 {
		t.Fatalf("expected one serving token in filtered view, got %+v %v", filtered.Tokens, err)
	}
}

type conflictingStore struct {
	*memory.Store
	mu        sync.Mutex
	conflicts int
}

func (c *conflictingStore) UpdateToken(ctx context.Context, input store.UpdateTokenInput) (models.Token, error) {
	c.mu.Lock()
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return models.Token{}, store.ErrConflict
	}
	c.mu.Unlock()
	return c.Store.UpdateToken(ctx, input)
}

func TestConflictIsRetriedOnce(t *testing.T) {
	st := &conflictingStore{Store: memory.NewStore()}
	svc := NewService(st, openWindow(20), nil, nil, Options{Logger: zerolog.Nop()})
	doctorID := uuid.NewString()
	token, _, err := svc.IssueToken(context.Background(), IssueTokenInput{PatientID: uuid.NewString(), DoctorID: doctorID})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	st.conflicts = 1
	if _, err := svc.MarkMissed(context.Background(), ActionInput{TokenID: token.TokenID}); err != nil {
		t.Fatalf("expected single conflict to be retried, got %v", err)
	}

	other, _, err := svc.IssueToken(context.Background(), IssueTokenInput{PatientID: uuid.NewString(), DoctorID: doctorID})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	st.conflicts = 2
	if _, err := svc.MarkMissed(context.Background(), ActionInput{TokenID: other.TokenID}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected second conflict to surface, got %v", err)
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/carpentries/mailsched/internal/controller"
	"github.com/carpentries/mailsched/internal/dispatch"
	"github.com/carpentries/mailsched/internal/domain"
	"github.com/carpentries/mailsched/internal/flags"
	"github.com/carpentries/mailsched/internal/render"
	"github.com/carpentries/mailsched/internal/store"
)

type fakeStore struct {
	tasks     map[uuid.UUID]domain.ScheduledTask
	templates map[uuid.UUID]domain.MessageTemplate
	audit     map[uuid.UUID][]domain.AuditEntry

	createTemplateErr error
	updateTemplateErr error

	gotStatuses []domain.TaskStatus
	gotLimit    int
	gotOffset   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:     make(map[uuid.UUID]domain.ScheduledTask),
		templates: make(map[uuid.UUID]domain.MessageTemplate),
		audit:     make(map[uuid.UUID][]domain.AuditEntry),
	}
}

func (s *fakeStore) GetTask(ctx context.Context, id uuid.UUID) (domain.ScheduledTask, error) {
	task, ok := s.tasks[id]
	if !ok {
		return domain.ScheduledTask{}, store.ErrNotFound
	}
	return task, nil
}

func (s *fakeStore) ListTasks(ctx context.Context, statuses []domain.TaskStatus, limit, offset int) ([]domain.ScheduledTask, error) {
	s.gotStatuses = statuses
	s.gotLimit = limit
	s.gotOffset = offset

	want := make(map[domain.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []domain.ScheduledTask
	for _, task := range s.tasks {
		if want[task.Status] {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *fakeStore) ListAudit(ctx context.Context, taskID uuid.UUID) ([]domain.AuditEntry, error) {
	return s.audit[taskID], nil
}

func (s *fakeStore) CreateTemplate(ctx context.Context, tpl domain.MessageTemplate) error {
	if s.createTemplateErr != nil {
		return s.createTemplateErr
	}
	s.templates[tpl.ID] = tpl
	return nil
}

func (s *fakeStore) UpdateTemplate(ctx context.Context, tpl domain.MessageTemplate) error {
	if s.updateTemplateErr != nil {
		return s.updateTemplateErr
	}
	if _, ok := s.templates[tpl.ID]; !ok {
		return store.ErrNotFound
	}
	s.templates[tpl.ID] = tpl
	return nil
}

func (s *fakeStore) GetTemplate(ctx context.Context, id uuid.UUID) (domain.MessageTemplate, error) {
	tpl, ok := s.templates[id]
	if !ok {
		return domain.MessageTemplate{}, store.ErrNotFound
	}
	return tpl, nil
}

func (s *fakeStore) ListTemplates(ctx context.Context) ([]domain.MessageTemplate, error) {
	var out []domain.MessageTemplate
	for _, tpl := range s.templates {
		out = append(out, tpl)
	}
	return out, nil
}

func (s *fakeStore) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	if _, ok := s.templates[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.templates, id)
	return nil
}

type fakeController struct {
	cancelErr     error
	rescheduleErr error
	editErr       error

	gotRescheduleAt time.Time
	gotEdit         controller.TaskEdit
}

func (c *fakeController) Cancel(ctx context.Context, id uuid.UUID) (domain.ScheduledTask, error) {
	if c.cancelErr != nil {
		return domain.ScheduledTask{}, c.cancelErr
	}
	return domain.ScheduledTask{ID: id, Status: domain.TaskStatusCancelled}, nil
}

func (c *fakeController) Reschedule(ctx context.Context, id uuid.UUID, at time.Time) (domain.ScheduledTask, error) {
	if c.rescheduleErr != nil {
		return domain.ScheduledTask{}, c.rescheduleErr
	}
	c.gotRescheduleAt = at
	return domain.ScheduledTask{ID: id, Status: domain.TaskStatusScheduled, ScheduledAt: at}, nil
}

func (c *fakeController) Edit(ctx context.Context, id uuid.UUID, edit controller.TaskEdit) (domain.ScheduledTask, error) {
	if c.editErr != nil {
		return domain.ScheduledTask{}, c.editErr
	}
	c.gotEdit = edit
	return domain.ScheduledTask{ID: id, Status: domain.TaskStatusScheduled}, nil
}

type fakeDispatcher struct {
	result dispatch.Result
	err    error

	gotEventType string
	gotStrategy  domain.Strategy
	gotOverride  *bool
}

func (d *fakeDispatcher) Notify(ctx context.Context, eventType string, payload any, strategy domain.Strategy) (dispatch.Result, error) {
	d.gotEventType = eventType
	d.gotStrategy = strategy
	if enabled, ok := flags.Override(ctx); ok {
		d.gotOverride = &enabled
	}
	if d.err != nil {
		return dispatch.Result{}, d.err
	}
	return d.result, nil
}

type fakePinger struct {
	err error
}

func (p *fakePinger) PingContext(ctx context.Context) error { return p.err }

func testHandler(st *fakeStore, ctrl *fakeController) *Handler {
	return NewHandler(st, ctrl, render.NewRenderer(""))
}

func do(t *testing.T, h *Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("response is not JSON: %v\nbody: %s", err, rec.Body.String())
	}
	return v
}

func sampleTask(status domain.TaskStatus) domain.ScheduledTask {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	return domain.ScheduledTask{
		ID:          uuid.New(),
		Status:      status,
		ScheduledAt: now.Add(time.Hour),
		Subject:     "Congratulations",
		Body:        "Dear Ada,",
		To:          []string{"ada@example.org"},
		From:        "team@example.org",
		TemplateID:  uuid.New(),
		Signal:      domain.SignalInstructorBadgeAwarded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestHealth(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{})

	rec := do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse[HealthResponse](t, rec)
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestHealthVerboseDegraded(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{}).
		WithHealthChecker(&fakePinger{err: errors.New("connection refused")})

	rec := do(t, h, http.MethodGet, "/health?verbose=true", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse[HealthResponse](t, rec)
	if resp.Status != "degraded" {
		t.Errorf("status = %q", resp.Status)
	}
	if !strings.Contains(resp.Components["database"], "unhealthy") {
		t.Errorf("components = %v", resp.Components)
	}
}

func TestListTasksStatusFilter(t *testing.T) {
	st := newFakeStore()
	scheduled := sampleTask(domain.TaskStatusScheduled)
	done := sampleTask(domain.TaskStatusSucceeded)
	st.tasks[scheduled.ID] = scheduled
	st.tasks[done.ID] = done
	h := testHandler(st, &fakeController{})

	rec := do(t, h, http.MethodGet, "/tasks?status=scheduled", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse[ListTasksResponse](t, rec)
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != scheduled.ID.String() {
		t.Errorf("tasks = %+v", resp.Tasks)
	}
}

func TestListTasksUnknownStatus(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{})

	if rec := do(t, h, http.MethodGet, "/tasks?status=done", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestListTasksPagination(t *testing.T) {
	st := newFakeStore()
	h := testHandler(st, &fakeController{})

	if rec := do(t, h, http.MethodGet, "/tasks?limit=10&offset=20", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if st.gotLimit != 10 || st.gotOffset != 20 {
		t.Errorf("limit/offset = %d/%d", st.gotLimit, st.gotOffset)
	}

	if rec := do(t, h, http.MethodGet, "/tasks?limit=5000", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("over-limit status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/tasks?offset=-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("negative offset status = %d", rec.Code)
	}
}

func TestGetTask(t *testing.T) {
	st := newFakeStore()
	task := sampleTask(domain.TaskStatusScheduled)
	st.tasks[task.ID] = task
	h := testHandler(st, &fakeController{})

	rec := do(t, h, http.MethodGet, "/tasks/"+task.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse[TaskResponse](t, rec)
	if resp.ID != task.ID.String() || resp.Subject != "Congratulations" {
		t.Errorf("task = %+v", resp)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{})

	if rec := do(t, h, http.MethodGet, "/tasks/"+uuid.NewString(), ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestGetTaskInvalidID(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{})

	if rec := do(t, h, http.MethodGet, "/tasks/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestTaskLog(t *testing.T) {
	st := newFakeStore()
	task := sampleTask(domain.TaskStatusScheduled)
	st.tasks[task.ID] = task
	st.audit[task.ID] = []domain.AuditEntry{
		{ID: uuid.New(), TaskID: task.ID, Details: "task created", StateAfter: domain.TaskStatusScheduled},
	}
	h := testHandler(st, &fakeController{})

	rec := do(t, h, http.MethodGet, "/tasks/"+task.ID.String()+"/log", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse[ListAuditResponse](t, rec)
	if len(resp.Entries) != 1 || resp.Entries[0].Details != "task created" {
		t.Errorf("entries = %+v", resp.Entries)
	}
}

func TestCancelTask(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{})
	id := uuid.New()

	rec := do(t, h, http.MethodPost, "/tasks/"+id.String()+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse[TaskResponse](t, rec)
	if resp.Status != string(domain.TaskStatusCancelled) {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestCancelTaskConflict(t *testing.T) {
	ctrl := &fakeController{cancelErr: domain.ErrInvalidTransition}
	h := testHandler(newFakeStore(), ctrl)

	if rec := do(t, h, http.MethodPost, "/tasks/"+uuid.NewString()+"/cancel", ""); rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCancelTaskNotFound(t *testing.T) {
	ctrl := &fakeController{cancelErr: controller.ErrTaskNotFound}
	h := testHandler(newFakeStore(), ctrl)

	if rec := do(t, h, http.MethodPost, "/tasks/"+uuid.NewString()+"/cancel", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRescheduleTask(t *testing.T) {
	ctrl := &fakeController{}
	h := testHandler(newFakeStore(), ctrl)
	id := uuid.New()

	rec := do(t, h, http.MethodPost, "/tasks/"+id.String()+"/reschedule",
		`{"scheduled_at":"2026-06-01T09:00:00Z"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	want := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	if !ctrl.gotRescheduleAt.Equal(want) {
		t.Errorf("rescheduled at %s, want %s", ctrl.gotRescheduleAt, want)
	}
}

func TestRescheduleTaskBadTime(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{})

	rec := do(t, h, http.MethodPost, "/tasks/"+uuid.NewString()+"/reschedule",
		`{"scheduled_at":"tomorrow"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestEditTask(t *testing.T) {
	ctrl := &fakeController{}
	h := testHandler(newFakeStore(), ctrl)
	id := uuid.New()

	rec := do(t, h, http.MethodPatch, "/tasks/"+id.String(),
		`{"subject":"Updated","to":["grace@example.org"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ctrl.gotEdit.Subject == nil || *ctrl.gotEdit.Subject != "Updated" {
		t.Errorf("edit subject = %v", ctrl.gotEdit.Subject)
	}
	if ctrl.gotEdit.Body != nil {
		t.Error("absent body must stay nil")
	}
	if len(ctrl.gotEdit.To) != 1 || ctrl.gotEdit.To[0] != "grace@example.org" {
		t.Errorf("edit to = %v", ctrl.gotEdit.To)
	}
}

func TestEditTaskEmptyRecipients(t *testing.T) {
	ctrl := &fakeController{editErr: controller.ErrMissingRecipients}
	h := testHandler(newFakeStore(), ctrl)

	rec := do(t, h, http.MethodPatch, "/tasks/"+uuid.NewString(), `{"to":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func templateBody() string {
	return `{"name":"badge awarded","signal":"instructor_badge_awarded",` +
		`"subject":"Hi {{.person_name}}","body":"You earned {{.badge_name}}.",` +
		`"from":"team@example.org"}`
}

func TestCreateTemplate(t *testing.T) {
	st := newFakeStore()
	h := testHandler(st, &fakeController{})

	rec := do(t, h, http.MethodPost, "/templates", templateBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse[TemplateResponse](t, rec)
	if !resp.Active {
		t.Error("active must default to true")
	}
	if len(st.templates) != 1 {
		t.Errorf("stored templates = %d", len(st.templates))
	}
}

func TestCreateTemplateMissingFields(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{})

	rec := do(t, h, http.MethodPost, "/templates", `{"name":"incomplete"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCreateTemplateBadFromAddress(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{})

	body := `{"name":"x","signal":"s","subject":"s","body":"b","from":"not an address"}`
	if rec := do(t, h, http.MethodPost, "/templates", body); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCreateTemplateBrokenSyntax(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{})

	body := `{"name":"x","signal":"s","subject":"{{oops","body":"b","from":"team@example.org"}`
	if rec := do(t, h, http.MethodPost, "/templates", body); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want render validation to reject", rec.Code)
	}
}

func TestCreateTemplateDuplicateSignal(t *testing.T) {
	st := newFakeStore()
	st.createTemplateErr = store.ErrDuplicate
	h := testHandler(st, &fakeController{})

	if rec := do(t, h, http.MethodPost, "/templates", templateBody()); rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestUpdateTemplateNotFound(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{})

	rec := do(t, h, http.MethodPut, "/templates/"+uuid.NewString(), templateBody())
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestDeleteTemplate(t *testing.T) {
	st := newFakeStore()
	id := uuid.New()
	st.templates[id] = domain.MessageTemplate{ID: id}
	h := testHandler(st, &fakeController{})

	if rec := do(t, h, http.MethodDelete, "/templates/"+id.String(), ""); rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
	if len(st.templates) != 0 {
		t.Error("template not deleted")
	}
}

func dispatchBody() string {
	return `{"event_type":"badge_awarded","strategy":"create",` +
		`"payload":{"award_id":1,"person_name":"Ada","person_email":"ada@example.org","badge_name":"instructor"}}`
}

func TestDispatchEvent(t *testing.T) {
	d := &fakeDispatcher{result: dispatch.Result{
		Outcome: domain.OutcomeScheduled,
		TaskIDs: []string{uuid.NewString()},
	}}
	h := testHandler(newFakeStore(), &fakeController{}).WithDispatcher(d)

	rec := do(t, h, http.MethodPost, "/events", dispatchBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse[DispatchResponse](t, rec)
	if resp.Outcome != string(domain.OutcomeScheduled) || len(resp.TaskIDs) != 1 {
		t.Errorf("response = %+v", resp)
	}
	if d.gotEventType != "badge_awarded" || d.gotStrategy != domain.StrategyCreate {
		t.Errorf("dispatched %q/%q", d.gotEventType, d.gotStrategy)
	}
	if d.gotOverride != nil {
		t.Error("no engine param must mean no override")
	}
}

func TestDispatchEventEngineOverride(t *testing.T) {
	d := &fakeDispatcher{result: dispatch.Result{Outcome: domain.OutcomeSkipped}}
	h := testHandler(newFakeStore(), &fakeController{}).WithDispatcher(d)

	rec := do(t, h, http.MethodPost, "/events?engine=false", dispatchBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if d.gotOverride == nil || *d.gotOverride {
		t.Errorf("override = %v, want explicit false", d.gotOverride)
	}
}

func TestDispatchEventUnknownStrategy(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{}).WithDispatcher(&fakeDispatcher{})

	body := `{"event_type":"badge_awarded","strategy":"upsert","payload":{}}`
	if rec := do(t, h, http.MethodPost, "/events", body); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestDispatchEventUnknownEventType(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{}).WithDispatcher(&fakeDispatcher{})

	body := `{"event_type":"no_such_event","strategy":"create","payload":{}}`
	if rec := do(t, h, http.MethodPost, "/events", body); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestDispatchEventWithoutDispatcher(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{})

	if rec := do(t, h, http.MethodPost, "/events", dispatchBody()); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	h := testHandler(newFakeStore(), &fakeController{})

	if rec := do(t, h, http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

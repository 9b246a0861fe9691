package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/dispatch"
)

// Common test errors
var ErrDatabaseError = errors.New("database error")

// MockRepository is a fake database for testing
type MockRepository struct {
	emails map[string]*db.EmailMessage
	logs   []*db.EmailLog

	createCalled bool
	getCalled    bool
	listCalled   bool
	cancelCalled bool

	shouldFail bool
}

// NewMockRepository creates a new mock repository
func NewMockRepository() *MockRepository {
	return &MockRepository{
		emails: make(map[string]*db.EmailMessage),
	}
}

func (m *MockRepository) CreateEmail(ctx context.Context, msg *db.EmailMessage) error {
	m.createCalled = true

	if m.shouldFail {
		return ErrDatabaseError
	}

	m.emails[msg.ID.String()] = msg
	return nil
}

func (m *MockRepository) GetEmail(ctx context.Context, id uuid.UUID) (*db.EmailMessage, error) {
	m.getCalled = true

	if m.shouldFail {
		return nil, ErrDatabaseError
	}

	msg, exists := m.emails[id.String()]
	if !exists {
		return nil, fmt.Errorf("email %s: %w", id, db.ErrNotFound)
	}

	return msg, nil
}

func (m *MockRepository) ListEmailsByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.EmailMessage, error) {
	m.listCalled = true

	if m.shouldFail {
		return nil, ErrDatabaseError
	}

	var result []*db.EmailMessage
	for _, msg := range m.emails {
		if msg.TenantID == tenantID {
			result = append(result, msg)
		}
	}

	return result, nil
}

func (m *MockRepository) CancelEmail(ctx context.Context, id uuid.UUID) error {
	m.cancelCalled = true

	if m.shouldFail {
		return ErrDatabaseError
	}

	msg, exists := m.emails[id.String()]
	if !exists {
		return fmt.Errorf("email %s: %w", id, db.ErrNotFound)
	}
	if msg.Status != db.StatusPending {
		return fmt.Errorf("email %s already dispatched: %w", id, db.ErrInvalidState)
	}

	msg.Status = db.StatusCancelled
	return nil
}

func (m *MockRepository) ListLogsByTenant(ctx context.Context, tenantID uuid.UUID, status, templateType string, limit, offset int) ([]*db.EmailLog, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}

	var result []*db.EmailLog
	for _, entry := range m.logs {
		if entry.TenantID != tenantID {
			continue
		}
		if status != "" && entry.Status != status {
			continue
		}
		if templateType != "" && entry.TemplateType != templateType {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

// MockDispatcher returns a canned summary or error.
type MockDispatcher struct {
	summary   *dispatch.Summary
	err       error
	runCalled bool
}

func (m *MockDispatcher) Run(ctx context.Context) (*dispatch.Summary, error) {
	m.runCalled = true
	if m.err != nil {
		return nil, m.err
	}
	return m.summary, nil
}

func newTestHandler(repo *MockRepository, dispatcher *MockDispatcher) *Handler {
	if dispatcher == nil {
		dispatcher = &MockDispatcher{summary: &dispatch.Summary{}}
	}
	return NewHandler(zap.NewNop(), repo, dispatcher)
}

func validEnqueueRequest() EnqueueRequest {
	return EnqueueRequest{
		TenantID:     "00000000-0000-0000-0000-000000000001",
		TemplateType: "welcome",
		ToEmail:      "user@example.com",
		Subject:      "Welcome!",
		HTMLContent:  "<p>Hello</p>",
	}
}

func TestEnqueueEmail(t *testing.T) {
	tests := []struct {
		name           string
		mutate         func(*EnqueueRequest)
		expectedStatus int
	}{
		{
			name:           "valid request",
			mutate:         func(r *EnqueueRequest) {},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "missing to_email",
			mutate: func(r *EnqueueRequest) {
				r.ToEmail = ""
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "invalid to_email",
			mutate: func(r *EnqueueRequest) {
				r.ToEmail = "not-an-address"
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "invalid tenant_id format",
			mutate: func(r *EnqueueRequest) {
				r.TenantID = "not-a-uuid"
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "unknown template_type",
			mutate: func(r *EnqueueRequest) {
				r.TemplateType = "newsletter_blast"
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "invalid priority",
			mutate: func(r *EnqueueRequest) {
				r.Priority = "urgent"
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "invalid cc address",
			mutate: func(r *EnqueueRequest) {
				r.CcEmails = []string{"ok@example.com", "broken"}
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "invalid template variables",
			mutate: func(r *EnqueueRequest) {
				r.Variables = json.RawMessage(`{"unterminated`)
			},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMockRepository()
			handler := newTestHandler(repo, nil)

			reqBody := validEnqueueRequest()
			tt.mutate(&reqBody)

			body, _ := json.Marshal(reqBody)
			req := httptest.NewRequest(http.MethodPost, "/v1/emails", bytes.NewReader(body))
			rec := httptest.NewRecorder()

			handler.EnqueueEmail(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}

			if tt.expectedStatus == http.StatusCreated {
				var resp EnqueueResponse
				if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if _, err := uuid.Parse(resp.ID); err != nil {
					t.Errorf("expected valid UUID, got: %s", resp.ID)
				}
				if resp.Status != db.StatusPending {
					t.Errorf("expected pending status, got %s", resp.Status)
				}
				if !repo.createCalled {
					t.Error("expected CreateEmail to be called")
				}
			}
		})
	}
}

func TestEnqueueEmail_DefaultsApplied(t *testing.T) {
	repo := NewMockRepository()
	handler := NewHandler(zap.NewNop(), repo, &MockDispatcher{}, WithDefaultMaxAttempts(5))

	body, _ := json.Marshal(validEnqueueRequest())
	req := httptest.NewRequest(http.MethodPost, "/v1/emails", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.EnqueueEmail(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp EnqueueResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	stored := repo.emails[resp.ID]
	if stored.Priority != db.PriorityNormal {
		t.Errorf("expected default priority normal, got %s", stored.Priority)
	}
	if stored.MaxAttempts != 5 {
		t.Errorf("expected default max_attempts 5, got %d", stored.MaxAttempts)
	}
	if stored.Status != db.StatusPending {
		t.Errorf("expected pending, got %s", stored.Status)
	}
}

func TestEnqueueEmail_DatabaseError(t *testing.T) {
	repo := NewMockRepository()
	repo.shouldFail = true
	handler := newTestHandler(repo, nil)

	body, _ := json.Marshal(validEnqueueRequest())
	req := httptest.NewRequest(http.MethodPost, "/v1/emails", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.EnqueueEmail(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestGetEmail(t *testing.T) {
	repo := NewMockRepository()
	msg := &db.EmailMessage{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Status:   db.StatusPending,
	}
	repo.emails[msg.ID.String()] = msg

	handler := newTestHandler(repo, nil)

	r := chi.NewRouter()
	r.Get("/v1/emails/{id}", handler.GetEmail)

	req := httptest.NewRequest(http.MethodGet, "/v1/emails/"+msg.ID.String(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got db.EmailMessage
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.ID != msg.ID {
		t.Errorf("expected id %s, got %s", msg.ID, got.ID)
	}
}

func TestGetEmail_NotFound(t *testing.T) {
	handler := newTestHandler(NewMockRepository(), nil)

	r := chi.NewRouter()
	r.Get("/v1/emails/{id}", handler.GetEmail)

	req := httptest.NewRequest(http.MethodGet, "/v1/emails/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCancelEmail(t *testing.T) {
	tests := []struct {
		name           string
		status         string
		expectedStatus int
	}{
		{"pending email cancels", db.StatusPending, http.StatusOK},
		{"sent email conflicts", db.StatusSent, http.StatusConflict},
		{"sending email conflicts", db.StatusSending, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMockRepository()
			msg := &db.EmailMessage{ID: uuid.New(), TenantID: uuid.New(), Status: tt.status}
			repo.emails[msg.ID.String()] = msg

			handler := newTestHandler(repo, nil)

			r := chi.NewRouter()
			r.Post("/v1/emails/{id}/cancel", handler.CancelEmail)

			req := httptest.NewRequest(http.MethodPost, "/v1/emails/"+msg.ID.String()+"/cancel", nil)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus == http.StatusOK && msg.Status != db.StatusCancelled {
				t.Errorf("expected cancelled, got %s", msg.Status)
			}
		})
	}
}

func TestListEmails_RequiresTenantID(t *testing.T) {
	handler := newTestHandler(NewMockRepository(), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/emails", nil)
	rec := httptest.NewRecorder()
	handler.ListEmails(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestTriggerDispatch(t *testing.T) {
	dispatcher := &MockDispatcher{summary: &dispatch.Summary{Processed: 3, Sent: 2, Retried: 1}}
	handler := newTestHandler(NewMockRepository(), dispatcher)

	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
	rec := httptest.NewRecorder()
	handler.TriggerDispatch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !dispatcher.runCalled {
		t.Error("expected dispatcher Run to be called")
	}

	var summary dispatch.Summary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if summary.Processed != 3 || summary.Sent != 2 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestTriggerDispatch_RunError(t *testing.T) {
	dispatcher := &MockDispatcher{err: errors.New("claim failed")}
	handler := newTestHandler(NewMockRepository(), dispatcher)

	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
	rec := httptest.NewRecorder()
	handler.TriggerDispatch(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestCronAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		secret         string
		header         string
		expectedStatus int
	}{
		{"valid token", "s3cret", "Bearer s3cret", http.StatusOK},
		{"wrong token", "s3cret", "Bearer wrong", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"no bearer prefix", "s3cret", "s3cret", http.StatusUnauthorized},
		{"empty secret rejects all", "", "Bearer anything", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			mw := CronAuthMiddleware(tt.secret, zap.NewNop())(next)

			req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}
}

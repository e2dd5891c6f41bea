package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"resume-server/internal/mocks"
	"resume-server/internal/models"
	"resume-server/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *mocks.GenerationService) {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret, zap.NewNop())
	require.NoError(t, err)
	svc := new(mocks.GenerationService)
	router := gin.New()
	router.Use(ZapLoggingMiddleware(zap.NewNop()))
	NewGenerationHandler(svc, verifier, zap.NewNop()).RegisterRoutes(router)
	return router, svc
}

func token(t *testing.T, secret, userID string, ttl time.Duration, roles ...string) string {
	t.Helper()
	claims := Claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func do(t *testing.T, router http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func validSubmitBody() map[string]any {
	return map[string]any{
		"sourceDocumentRef": "resume-1",
		"mode":              "adapt",
		"postings": []map[string]any{
			{"ref": "p1", "title": "Backend Engineer", "company": "Acme", "description": "Go, Postgres", "url": "https://acme.example/jobs/1"},
		},
	}
}

func TestAuthMiddleware(t *testing.T) {
	router, svc := newTestRouter(t)
	path := "/api/v1/credits/adapt_offer"

	assert.Equal(t, http.StatusUnauthorized, do(t, router, http.MethodGet, path, "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, router, http.MethodGet, path, "garbage", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, router, http.MethodGet, path, token(t, "other-secret", "user-1", time.Hour), nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, router, http.MethodGet, path, token(t, testSecret, "user-1", -time.Hour), nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, router, http.MethodGet, path, token(t, testSecret, "", time.Hour), nil).Code)
	svc.AssertNotCalled(t, "Balance", mock.Anything, mock.Anything, mock.Anything)

	svc.On("Balance", mock.Anything, "user-1", "adapt_offer").Return(int64(7), nil).Once()
	rec := do(t, router, http.MethodGet, path, token(t, testSecret, "user-1", time.Hour), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"feature":"adapt_offer","balance":7}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSubmitAccepted(t *testing.T) {
	router, svc := newTestRouter(t)
	taskID := uuid.New()
	expected := service.SubmitRequest{
		SourceDocumentRef: "resume-1",
		Mode:              models.ModeAdapt,
		Postings: []models.Posting{{
			Ref: "p1", Title: "Backend Engineer", Company: "Acme", Description: "Go, Postgres", URL: "https://acme.example/jobs/1",
		}},
	}
	svc.On("Submit", mock.Anything, "user-1", expected).Return(taskID, nil).Once()

	rec := do(t, router, http.MethodPost, "/api/v1/generations", token(t, testSecret, "user-1", time.Hour), validSubmitBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"taskId":"%s"}`, taskID), rec.Body.String())
	svc.AssertExpectations(t)
}

func TestSubmitRejections(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{
			name:   "already running",
			err:    models.NewRejection(models.RejectionAlreadyRunning, models.ActionNone, ""),
			status: http.StatusConflict,
			body:   `{"code":"alreadyRunning"}`,
		},
		{
			name:   "insufficient balance",
			err:    models.NewRejection(models.RejectionInsufficientBalance, models.ActionBuyCredits, "1 credits required"),
			status: http.StatusPaymentRequired,
			body:   `{"code":"insufficientBalance","action":"buy_credits","message":"1 credits required"}`,
		},
		{
			name:   "invalid input",
			err:    models.NewRejection(models.RejectionInvalidInput, models.ActionNone, "too many postings"),
			status: http.StatusBadRequest,
			body:   `{"code":"invalidInput","message":"too many postings"}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router, svc := newTestRouter(t)
			svc.On("Submit", mock.Anything, "user-1", mock.Anything).Return(uuid.Nil, tc.err).Once()

			rec := do(t, router, http.MethodPost, "/api/v1/generations", token(t, testSecret, "user-1", time.Hour), validSubmitBody())
			assert.Equal(t, tc.status, rec.Code)
			assert.JSONEq(t, tc.body, rec.Body.String())
		})
	}
}

func TestSubmitInvalidBody(t *testing.T) {
	router, svc := newTestRouter(t)
	bearer := token(t, testSecret, "user-1", time.Hour)

	badMode := validSubmitBody()
	badMode["mode"] = "translate"
	noPostings := validSubmitBody()
	noPostings["postings"] = []map[string]any{}
	badURL := validSubmitBody()
	badURL["postings"] = []map[string]any{{"ref": "p1", "title": "T", "description": "D", "url": "not a url"}}

	for name, body := range map[string]any{
		"malformed json": "{",
		"bad mode":       badMode,
		"no postings":    noPostings,
		"bad url":        badURL,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/v1/generations", bearer, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"code":"invalidInput"`)
		})
	}
	svc.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
}

func TestTaskEndpointsMapErrors(t *testing.T) {
	router, svc := newTestRouter(t)
	bearer := token(t, testSecret, "user-1", time.Hour)
	taskID := uuid.New()
	offerID := uuid.New()

	svc.On("GetTask", mock.Anything, "user-1", taskID).Return(nil, fmt.Errorf("task: %w", models.ErrNotFound)).Once()
	rec := do(t, router, http.MethodGet, "/api/v1/generations/"+taskID.String(), bearer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	svc.On("Cancel", mock.Anything, "user-1", taskID).Return(fmt.Errorf("task: %w", models.ErrAlreadyTerminal)).Once()
	rec = do(t, router, http.MethodPost, "/api/v1/generations/"+taskID.String()+"/cancel", bearer, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	svc.On("CancelOffer", mock.Anything, "user-1", taskID, offerID).Return(nil).Once()
	rec = do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/generations/%s/offers/%s/cancel", taskID, offerID), bearer, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	svc.On("Report", mock.Anything, "user-1", taskID).Return(nil, errors.New("db is gone")).Once()
	rec = do(t, router, http.MethodGet, "/api/v1/generations/"+taskID.String()+"/report", bearer, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db is gone")

	rec = do(t, router, http.MethodGet, "/api/v1/generations/not-a-uuid", bearer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.AssertExpectations(t)
}

func TestGetTaskAndDocument(t *testing.T) {
	router, svc := newTestRouter(t)
	bearer := token(t, testSecret, "user-1", time.Hour)
	taskID := uuid.New()
	offerID := uuid.New()

	view := &service.TaskView{
		Task:    &models.Task{ID: taskID, UserID: "user-1", Status: models.TaskStatusCompleted, TotalOffers: 1, CompletedOffers: 1},
		Offers:  []*models.Offer{{ID: offerID, TaskID: taskID, Status: models.OfferStatusCompleted}},
		Summary: "1 of 1 succeeded",
	}
	svc.On("GetTask", mock.Anything, "user-1", taskID).Return(view, nil).Once()
	rec := do(t, router, http.MethodGet, "/api/v1/generations/"+taskID.String(), bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"summary":"1 of 1 succeeded"`)

	svc.On("GetOfferDocument", mock.Anything, "user-1", taskID, offerID).Return(json.RawMessage(`{"title":"CV"}`), nil).Once()
	rec = do(t, router, http.MethodGet, fmt.Sprintf("/api/v1/generations/%s/offers/%s/document", taskID, offerID), bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"title":"CV"}`, rec.Body.String())
}

func TestPutSource(t *testing.T) {
	router, svc := newTestRouter(t)
	bearer := token(t, testSecret, "user-1", time.Hour)

	svc.On("PutSource", mock.Anything, "user-1", "cv-main", json.RawMessage(`{"name":"Ann"}`)).Return(nil).Once()
	rec := do(t, router, http.MethodPut, "/api/v1/documents/cv-main", bearer, `{"name":"Ann"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	svc.On("PutSource", mock.Anything, "user-1", "cv-bad", json.RawMessage(`{`)).
		Return(fmt.Errorf("document must be valid JSON: %w", models.ErrInvalidInput)).Once()
	rec = do(t, router, http.MethodPut, "/api/v1/documents/cv-bad", bearer, `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

func TestGrantRequiresBillingRole(t *testing.T) {
	router, svc := newTestRouter(t)
	body := map[string]any{"userId": "user-9", "feature": "adapt_offer", "amount": 5}

	rec := do(t, router, http.MethodPost, "/internal/v1/credits/grant", token(t, testSecret, "user-1", time.Hour), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	svc.On("Grant", mock.Anything, "user-9", "adapt_offer", int64(5)).Return(nil).Once()
	rec = do(t, router, http.MethodPost, "/internal/v1/credits/grant", token(t, testSecret, "billing-svc", time.Hour, RoleBilling), body)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodPost, "/internal/v1/credits/grant", token(t, testSecret, "billing-svc", time.Hour, RoleBilling),
		map[string]any{"userId": "user-9", "feature": "adapt_offer", "amount": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

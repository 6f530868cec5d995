package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditledger/internal/authorization"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/dbtest"
	diagnosticsdomain "github.com/smallbiznis/creditledger/internal/diagnostics/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	providerdomain "github.com/smallbiznis/creditledger/internal/provider/domain"
	transitiondomain "github.com/smallbiznis/creditledger/internal/transition/domain"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type paymentMock struct{ mock.Mock }

func (m *paymentMock) Ingest(ctx context.Context, payload []byte, headers http.Header) (paymentdomain.Result, error) {
	args := m.Called(ctx, payload, headers)
	return args.Get(0).(paymentdomain.Result), args.Error(1)
}

func (m *paymentMock) ProcessEvent(ctx context.Context, event *paymentdomain.PaymentEvent) (paymentdomain.Result, error) {
	args := m.Called(ctx, event)
	return args.Get(0).(paymentdomain.Result), args.Error(1)
}

func (m *paymentMock) ListEvents(ctx context.Context, req paymentdomain.ListEventsRequest) ([]paymentdomain.EventRecord, error) {
	args := m.Called(ctx, req)
	return args.Get(0).([]paymentdomain.EventRecord), args.Error(1)
}

type usageMock struct{ mock.Mock }

func (m *usageMock) PreCheck(ctx context.Context, caller usagedomain.Caller) (usagedomain.Decision, error) {
	args := m.Called(ctx, caller)
	return args.Get(0).(usagedomain.Decision), args.Error(1)
}

func (m *usageMock) Submit(ctx context.Context, req usagedomain.SubmitRequest) (usagedomain.SubmitResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(usagedomain.SubmitResult), args.Error(1)
}

func (m *usageMock) Status(ctx context.Context, caller usagedomain.Caller, taskID string) (usagedomain.StatusResult, error) {
	args := m.Called(ctx, caller, taskID)
	return args.Get(0).(usagedomain.StatusResult), args.Error(1)
}

func (m *usageMock) Charge(ctx context.Context, task usagedomain.TaskRecord) (usagedomain.ChargeResult, error) {
	args := m.Called(ctx, task)
	return args.Get(0).(usagedomain.ChargeResult), args.Error(1)
}

type diagnosticsMock struct{ mock.Mock }

func (m *diagnosticsMock) Summary(ctx context.Context) (diagnosticsdomain.Summary, error) {
	args := m.Called(ctx)
	return args.Get(0).(diagnosticsdomain.Summary), args.Error(1)
}

func (m *diagnosticsMock) Anomalies(ctx context.Context, req diagnosticsdomain.AnomalyRequest) ([]diagnosticsdomain.Anomaly, error) {
	args := m.Called(ctx, req)
	return args.Get(0).([]diagnosticsdomain.Anomaly), args.Error(1)
}

func (m *diagnosticsMock) Events(ctx context.Context, req paymentdomain.ListEventsRequest) ([]paymentdomain.EventRecord, error) {
	args := m.Called(ctx, req)
	return args.Get(0).([]paymentdomain.EventRecord), args.Error(1)
}

func (m *diagnosticsMock) AccountReport(ctx context.Context, accountID string) (diagnosticsdomain.AccountReport, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(diagnosticsdomain.AccountReport), args.Error(1)
}

func (m *diagnosticsMock) Statement(ctx context.Context, accountID string) ([]byte, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *diagnosticsMock) Repair(ctx context.Context, req diagnosticsdomain.RepairRequest) (diagnosticsdomain.RepairResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(diagnosticsdomain.RepairResult), args.Error(1)
}

func (m *diagnosticsMock) Resync(ctx context.Context, accountID string) (ledgerdomain.ResyncResult, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(ledgerdomain.ResyncResult), args.Error(1)
}

type testServer struct {
	engine      *gin.Engine
	payments    *paymentMock
	usage       *usageMock
	diagnostics *diagnosticsMock
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t)

	enforcer, err := authorization.NewEnforcer(dbtest.Open(t))
	require.NoError(t, err)
	opHash, err := authorization.HashKey("op-key")
	require.NoError(t, err)
	adminHash, err := authorization.HashKey("admin-key")
	require.NoError(t, err)
	cfg := config.Config{
		MaxWebhookBytes: 256,
		Operator: config.OperatorConfig{Keys: []config.OperatorKey{
			{Name: "ops", Role: "operator", Hash: opHash},
			{Name: "root", Role: "admin", Hash: adminHash},
		}},
	}

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware(log))
	ts := testServer{
		engine:      engine,
		payments:    &paymentMock{},
		usage:       &usageMock{},
		diagnostics: &diagnosticsMock{},
	}
	NewServer(ServerParams{
		Gin:            engine,
		Cfg:            cfg,
		Log:            log,
		PaymentSvc:     ts.payments,
		UsageSvc:       ts.usage,
		DiagnosticsSvc: ts.diagnostics,
		AuthzSvc:       authorization.NewService(authorization.Params{Log: log, Config: cfg, Enforcer: enforcer}),
	})
	return ts
}

func (ts testServer) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWebhookStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		result paymentdomain.Result
		err    error
		status int
		code   string
	}{
		{name: "applied", result: paymentdomain.Result{EventType: "checkout.completed", Status: paymentdomain.OutcomeApplied, Message: "applied"}, status: http.StatusOK},
		{name: "duplicate", result: paymentdomain.Result{EventType: "checkout.completed", Status: paymentdomain.OutcomeDuplicate, Message: "duplicate"}, status: http.StatusOK},
		{name: "ignored", result: paymentdomain.Result{EventType: "customer.created", Status: paymentdomain.OutcomeIgnored}, status: http.StatusOK},
		{name: "missing product", err: paymentdomain.ErrMissingProduct, status: http.StatusBadRequest, code: "missing_product_id"},
		{name: "unknown product", err: fmt.Errorf("lookup: %w", paymentdomain.ErrUnknownProduct), status: http.StatusBadRequest, code: "unknown_product"},
		{name: "bad signature", err: paymentdomain.ErrInvalidSignature, status: http.StatusUnauthorized, code: "invalid_signature"},
		{name: "invalid transition", err: transitiondomain.ErrInvalidClassification, status: http.StatusConflict, code: "invalid_subscription_transition"},
		{name: "store failure", err: errors.New("connection reset"), status: http.StatusInternalServerError, code: "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.payments.On("Ingest", mock.Anything, mock.Anything, mock.Anything).Return(tc.result, tc.err).Once()

			rec := ts.do(http.MethodPost, "/api/webhooks/payments", []byte(`{"eventType":"x","object":{}}`), nil)
			require.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				var body webhookResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.True(t, body.Success)
				assert.Equal(t, tc.result.Status, body.Result.Status)
				return
			}
			body := decodeError(t, rec)
			assert.False(t, body.Success)
			assert.Equal(t, tc.code, body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/webhooks/payments", bytes.Repeat([]byte("a"), 1024), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "payload_too_large", decodeError(t, rec).Error)
	ts.payments.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmitGenerationResolvesCaller(t *testing.T) {
	ts := newTestServer(t)
	ts.usage.On("Submit", mock.Anything, mock.MatchedBy(func(req usagedomain.SubmitRequest) bool {
		return req.Caller.AccountID == "acct_1" && req.Caller.SourceIP == "192.0.2.1" && req.ImageURL == "https://img/1.png"
	})).Return(usagedomain.SubmitResult{Success: true, TaskID: "task_1", Status: "processing", WillDeductCredits: true}, nil).Once()

	rec := ts.do(http.MethodPost, "/api/generations", []byte(`{"imageUrl":"https://img/1.png","hairStyle":"bob"}`), map[string]string{HeaderAccountID: "acct_1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "task_1", body["taskId"])
	assert.Equal(t, true, body["willDeductCredits"])
	ts.usage.AssertExpectations(t)
}

func TestSubmitGenerationStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "insufficient credits", err: usagedomain.ErrInsufficientCredits, status: http.StatusPaymentRequired, code: "insufficient_credits"},
		{name: "lifetime", err: usagedomain.ErrLifetimeLimit, status: http.StatusTooManyRequests, code: "lifetime_limit"},
		{name: "global", err: usagedomain.ErrGlobalQuotaExceeded, status: http.StatusTooManyRequests, code: "global_quota_exceeded"},
		{name: "throttled", err: usagedomain.ErrRateLimited, status: http.StatusTooManyRequests, code: "rate_limited"},
		{name: "content rejected", err: fmt.Errorf("%w: %w", usagedomain.ErrUpstream, providerdomain.ErrContentRejected), status: http.StatusUnprocessableEntity, code: "content_rejected"},
		{name: "provider down", err: fmt.Errorf("%w: %w", usagedomain.ErrUpstream, providerdomain.ErrUpstream), status: http.StatusUnprocessableEntity, code: "upstream_provider_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.usage.On("Submit", mock.Anything, mock.Anything).Return(usagedomain.SubmitResult{}, tc.err).Once()

			rec := ts.do(http.MethodPost, "/api/generations", []byte(`{"imageUrl":"https://img/1.png"}`), nil)
			require.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeError(t, rec).Error)
		})
	}
}

func TestSubmitGenerationRequiresImage(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/generations", []byte(`{"hairStyle":"bob"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeError(t, rec).Error)
	ts.usage.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestGetGeneration(t *testing.T) {
	ts := newTestServer(t)
	deducted, balance := int64(10), int64(490)
	ts.usage.On("Status", mock.Anything, mock.Anything, "task_1").Return(usagedomain.StatusResult{
		TaskStatus:        "SUCCESS",
		CreditsDeducted:   &deducted,
		NewCreditBalance:  &balance,
		ShouldStopPolling: true,
	}, nil).Once()
	ts.usage.On("Status", mock.Anything, mock.Anything, "task_gone").Return(usagedomain.StatusResult{}, usagedomain.ErrTaskNotFound).Once()

	rec := ts.do(http.MethodGet, "/api/generations/task_1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "SUCCESS", body["task_status"])
	assert.EqualValues(t, 10, body["creditsDeducted"])
	assert.EqualValues(t, 490, body["newCreditBalance"])

	rec = ts.do(http.MethodGet, "/api/generations/task_gone", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetiredEndpoints(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range retiredRoutes {
		rec := ts.do(http.MethodPost, path, []byte(`{}`), nil)
		require.Equal(t, http.StatusGone, rec.Code, path)
		body := decodeError(t, rec)
		assert.False(t, body.Success)
		assert.Equal(t, "endpoint_retired", body.Error)
	}
}

func TestDiagnosticsRequireOperator(t *testing.T) {
	ts := newTestServer(t)
	ts.diagnostics.On("Summary", mock.Anything).Return(diagnosticsdomain.Summary{Accounts: 3}, nil)

	rec := ts.do(http.MethodGet, "/api/diagnostics/summary", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/api/diagnostics/summary", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/api/diagnostics/summary", nil, map[string]string{"Authorization": "Bearer op-key"})
	require.Equal(t, http.StatusOK, rec.Code)
	var summary diagnosticsdomain.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, int64(3), summary.Accounts)
}

func TestRepairRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	ts.diagnostics.On("Repair", mock.Anything, diagnosticsdomain.RepairRequest{AccountID: "acct_1"}).
		Return(diagnosticsdomain.RepairResult{AccountID: "acct_1"}, nil).Once()
	ts.diagnostics.On("Resync", mock.Anything, "acct_1").
		Return(ledgerdomain.ResyncResult{AccountID: "acct_1", Before: 70, After: 100, Drift: 30}, nil).Once()

	body := []byte(`{"account_id":"acct_1"}`)
	rec := ts.do(http.MethodPost, "/api/diagnostics/repair", body, map[string]string{"Authorization": "Bearer op-key"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodPost, "/api/diagnostics/repair", body, map[string]string{"Authorization": "Bearer admin-key"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/api/diagnostics/accounts/acct_1/resync", nil, map[string]string{"Authorization": "Bearer admin-key"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resync ledgerdomain.ResyncResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resync))
	assert.Equal(t, int64(30), resync.Drift)
	ts.diagnostics.AssertExpectations(t)
}

func TestAccountReportNotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.diagnostics.On("AccountReport", mock.Anything, "acct_none").
		Return(diagnosticsdomain.AccountReport{}, diagnosticsdomain.ErrAccountNotFound).Once()

	rec := ts.do(http.MethodGet, "/api/diagnostics/accounts/acct_none", nil, map[string]string{"Authorization": "Bearer op-key"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "account_not_found", decodeError(t, rec).Error)
}

func TestStatementServesPDF(t *testing.T) {
	ts := newTestServer(t)
	ts.diagnostics.On("Statement", mock.Anything, "acct_1").Return([]byte("%PDF-1.4 test"), nil).Once()

	rec := ts.do(http.MethodGet, "/api/diagnostics/accounts/acct_1/statement.pdf", nil, map[string]string{"Authorization": "Bearer op-key"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "statement-acct_1.pdf")
}

func TestListWebhookEventsParsesFilters(t *testing.T) {
	ts := newTestServer(t)
	ts.diagnostics.On("Events", mock.Anything, paymentdomain.ListEventsRequest{EventType: "refund.created", AccountID: "acct_1", Limit: 5}).
		Return([]paymentdomain.EventRecord{}, nil).Once()

	rec := ts.do(http.MethodGet, "/api/diagnostics/events?event_type=refund.created&account_id=acct_1&limit=5", nil, map[string]string{"Authorization": "Bearer op-key"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/api/diagnostics/events?limit=abc", nil, map[string]string{"Authorization": "Bearer op-key"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	ts.diagnostics.AssertExpectations(t)
}

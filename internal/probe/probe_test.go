package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/3rs4lg4d0/ledgerbox/lbx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	report lbx.HealthReport
}

func (f *fakeChecker) Check(_ context.Context) lbx.HealthReport {
	return f.report
}

func TestRouter(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ledgerbox_outbox_pending 3\n"))
	})
	testcases := []struct {
		name       string
		method     string
		path       string
		report     lbx.HealthReport
		wantStatus int
	}{
		{
			name:       "liveness",
			method:     http.MethodGet,
			path:       "/health/live",
			wantStatus: http.StatusOK,
		},
		{
			name:       "ready",
			method:     http.MethodGet,
			path:       "/health/ready",
			report:     lbx.HealthReport{BrokerConnected: true, DatabaseConnected: true, OutboxPending: 3},
			wantStatus: http.StatusOK,
		},
		{
			name:       "broker down",
			method:     http.MethodGet,
			path:       "/health/ready",
			report:     lbx.HealthReport{DatabaseConnected: true},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "database down",
			method:     http.MethodGet,
			path:       "/health/ready",
			report:     lbx.HealthReport{BrokerConnected: true},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "metrics",
			method:     http.MethodGet,
			path:       "/metrics",
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong method",
			method:     http.MethodPost,
			path:       "/health/live",
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "wrong method on readiness",
			method:     http.MethodDelete,
			path:       "/health/ready",
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "unknown path",
			method:     http.MethodGet,
			path:       "/health/unknown",
			wantStatus: http.StatusNotFound,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRouter(&fakeChecker{report: tc.report}, metrics, nil)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			assert.Equal(t, tc.wantStatus, rec.Code)
		})
	}
}

func TestReadyBody(t *testing.T) {
	report := lbx.HealthReport{BrokerConnected: true, DatabaseConnected: true, OutboxPending: 150, Warning: "outbox backlog is high: 150 pending records"}
	r := NewRouter(&fakeChecker{report: report}, nil, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got lbx.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(150), got.OutboxPending)
	assert.Equal(t, report.Warning, got.Warning)
}

func TestServerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer("127.0.0.1:0", NewRouter(&fakeChecker{}, nil, nil))
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}

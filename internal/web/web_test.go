package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/skickahq/skicka"
	"github.com/skickahq/skicka/internal/dao"
	"github.com/skickahq/skicka/internal/dispatch"
	"github.com/skickahq/skicka/internal/quota"
	"github.com/skickahq/skicka/internal/transport"
	"github.com/skickahq/skicka/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	mu   sync.Mutex
	sent int
}

func (s *stubTransport) Ready() bool { return true }

func (s *stubTransport) Send(ctx context.Context, msg *transport.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	return fmt.Sprintf("provider-%d", s.sent), nil
}

func setup(t *testing.T, cfg Config) (*Server, dao.DAO) {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "skicka.sqlite"))
	require.NoError(t, err)
	lc := tools.LoggerCloner(tools.NewLogger("error"))
	q := quota.New(db, lc)
	engine := dispatch.New(dispatch.Config{Interval: time.Hour}, db, q, &stubTransport{}, lc, promauto.With(prometheus.NewRegistry()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
	})
	return New(cfg, db, engine, nil, lc), db
}

func request(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func seedTenant(t *testing.T, db dao.DAO, id string) {
	t.Helper()
	limits := quota.ForPlan("free")
	require.NoError(t, db.UpsertTenant(dao.Tenant{
		Id: id, Plan: "free", Status: "active",
		DailyLimit: limits.Daily, MonthlyLimit: limits.Monthly,
		LastResetAt: time.Now().In(time.UTC),
	}))
}

func TestEnqueue(t *testing.T) {
	s, db := setup(t, Config{})
	seedTenant(t, db, "t1")

	body := `{"tenant_id":"t1","to":["a@example.com","b@example.com"],"subject":"hi","text":"hello"}`
	rec := request(s, http.MethodPost, "/emails", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var receipt skicka.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.NotEmpty(t, receipt.BatchId)
	require.Len(t, receipt.Ids, 2)

	for _, id := range receipt.Ids {
		email, err := db.GetEmail(id)
		require.NoError(t, err)
		assert.Equal(t, dao.StatusPending, email.Status)
		assert.Equal(t, receipt.BatchId, email.BatchId)
		assert.Equal(t, "normal", email.Priority)
		assert.Equal(t, dao.DefaultMaxAttempts, email.MaxAttempts)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	s, db := setup(t, Config{})
	seedTenant(t, db, "t1")

	for _, tc := range []struct {
		name string
		body string
		code int
	}{
		{
			name: "missing subject",
			body: `{"tenant_id":"t1","to":["a@example.com"],"text":"hello"}`,
			code: http.StatusBadRequest,
		},
		{
			name: "missing content",
			body: `{"tenant_id":"t1","to":["a@example.com"],"subject":"hi"}`,
			code: http.StatusBadRequest,
		},
		{
			name: "bad recipient",
			body: `{"tenant_id":"t1","to":["not an address"],"subject":"hi","text":"hello"}`,
			code: http.StatusBadRequest,
		},
		{
			name: "bad priority",
			body: `{"tenant_id":"t1","to":["a@example.com"],"subject":"hi","text":"hello","priority":"urgent"}`,
			code: http.StatusBadRequest,
		},
		{
			name: "unknown tenant",
			body: `{"tenant_id":"ghost","to":["a@example.com"],"subject":"hi","text":"hello"}`,
			code: http.StatusNotFound,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := request(s, http.MethodPost, "/emails", tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
}

func TestKeyAuth(t *testing.T) {
	s, db := setup(t, Config{Keys: []string{"sk_live_abc"}})
	seedTenant(t, db, "t1")

	rec := request(s, http.MethodGet, "/worker/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = request(s, http.MethodGet, "/worker/status?key=wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = request(s, http.MethodGet, "/worker/status?key=sk_live_abc", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/worker/status", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer sk_live_abc")
	recorder := httptest.NewRecorder()
	s.e.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)

	// ping stays open
	rec = request(s, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkerControl(t *testing.T) {
	s, _ := setup(t, Config{})

	rec := request(s, http.MethodGet, "/worker/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status skicka.WorkerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Running)
	assert.False(t, status.CycleInFlight)

	rec = request(s, http.MethodPost, "/worker/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Running)

	// idempotent
	rec = request(s, http.MethodPost, "/worker/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = request(s, http.MethodPost, "/worker/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Running)

	rec = request(s, http.MethodPost, "/worker/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkerProcess(t *testing.T) {
	s, db := setup(t, Config{})
	seedTenant(t, db, "t1")

	body := `{"tenant_id":"t1","to":["a@example.com"],"subject":"hi","text":"hello"}`
	rec := request(s, http.MethodPost, "/emails", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = request(s, http.MethodPost, "/worker/process", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	emails, err := db.ListEmails(dao.StatusSent, "t1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, emails, 1)
}

func TestListAndGetEmail(t *testing.T) {
	s, db := setup(t, Config{})
	seedTenant(t, db, "t1")

	body := `{"tenant_id":"t1","to":["a@example.com","b@example.com"],"subject":"hi","text":"hello"}`
	rec := request(s, http.MethodPost, "/emails", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var receipt skicka.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))

	rec = request(s, http.MethodGet, "/emails?tenant=t1&status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Emails []dao.Email `json:"emails"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Len(t, listing.Emails, 2)

	rec = request(s, http.MethodGet, "/emails/"+receipt.Ids[0], "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Email dao.Email      `json:"email"`
		Log   []dao.LogEntry `json:"log"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, receipt.Ids[0], got.Email.Id)
	assert.NotEmpty(t, got.Log)

	rec = request(s, http.MethodGet, "/emails/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

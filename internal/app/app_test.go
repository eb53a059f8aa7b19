package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-engine/internal/config"
	"loyalty-engine/internal/logger"
	"loyalty-engine/internal/middleware"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "loyalty.db")
	cfg.Redis.Enabled = false
	cfg.Tracing.Enabled = false
	cfg.RateLimit.Rate = 2
	cfg.Square.Merchants = []config.SquareMerchant{
		{ID: "m2", AccessToken: "tok-2"},
		{ID: "m1", AccessToken: "tok-1"},
		{ID: "m3"},
	}
	require.NoError(t, cfg.Validate())

	a, err := New(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestApp_Health(t *testing.T) {
	a := newTestApp(t)
	router := a.Router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","schema_version":1}`, rr.Body.String())
}

func TestApp_Metrics(t *testing.T) {
	a := newTestApp(t)
	router := a.Router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestApp_MerchantRoutes(t *testing.T) {
	a := newTestApp(t)
	router := a.Router()

	body := `{"offer_name":"Buy 5","brand_name":"Acme","size_group":"12oz","required_quantity":5}`
	req := httptest.NewRequest(http.MethodPost, "/offers", strings.NewReader(body))
	req.Header.Set(middleware.MerchantHeader, "m1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/offers", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestApp_RateLimit(t *testing.T) {
	a := newTestApp(t)
	router := a.Router()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/features", nil)
		req.Header.Set(middleware.MerchantHeader, "m1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestApp_Merchants(t *testing.T) {
	a := newTestApp(t)
	assert.Equal(t, []string{"m1", "m2"}, a.Merchants())
}

func TestSplitOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, splitOrigins(""))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, splitOrigins(" https://a.example, ,https://b.example"))
}

package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockflow/internal/observability"
	_ "github.com/odyssey-erp/stockflow/internal/testing/guard"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, BudgetPolicyAdvisory, cfg.BudgetPolicy)
	require.False(t, cfg.EnforceBudget())
	require.Equal(t, 10*time.Minute, cfg.BudgetCacheTTL)
	require.Equal(t, 5*time.Minute, cfg.OpnameLockTTL)
	require.Equal(t, "0 6 * * *", cfg.LowStockCron)
}

func TestLoadConfigBudgetPolicy(t *testing.T) {
	t.Setenv("BUDGET_POLICY", "enforce")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.EnforceBudget())

	t.Setenv("BUDGET_POLICY", "strict")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestInTestModeUnderGuard(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())
}

func TestRouterHealthAndReadiness(t *testing.T) {
	healthy := true
	router := NewRouter(RouterParams{
		Config:  &Config{AppEnv: "test"},
		Metrics: observability.NewMetrics(),
		Checks: map[string]Pinger{
			"postgres": PingFunc(func(context.Context) error {
				if !healthy {
					return errors.New("connection refused")
				}
				return nil
			}),
		},
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ready"}`, rr.Body.String())

	healthy = false
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, rr.Body.String(), "postgres")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `stockflow_http_requests_total{code="200",route="/healthz"} 1`)
}

package metrics

import (
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRegistryIsSafe(t *testing.T) {
	var m *Registry
	m.IncMint("mint", "completed")
	m.IncRetry("broadcast", "retry")
	m.SetTreasuryBalance(big.NewInt(1))
	m.SetSyncState(true, 3)
	m.IncHTTPRequest("/api/v1/health", http.MethodGet, http.StatusOK)
	m.IncEnqueue("mint", "created")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegistryExposesCounters(t *testing.T) {
	m := New()
	m.IncMint("mint", "completed")
	m.IncMint("mint", "completed")
	m.IncAlert("no_recent_mints")
	m.SetSyncState(false, 7)
	m.IncHTTPRequest("/api/v1/jobs/{id}", http.MethodGet, http.StatusNotFound)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.mintsTotal.WithLabelValues("mint", "completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.syncHealthy))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.syncPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/api/v1/jobs/{id}", "GET", "404")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ticketmint_alerts_total"))
}

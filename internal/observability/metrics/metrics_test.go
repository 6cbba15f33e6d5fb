package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetricsExposed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)
	for _, q := range []string{"FROM instruments$", "WHERE last_updated IS NULL", "FROM logs"} {
		mock.ExpectQuery(q).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	}

	Init(db, zap.NewNop())
	ObserveIngest("mit", ResultSuccess, 10*time.Millisecond)
	IncIngestError("validation")
	IncEvaluationFailure("mit", "co")
	ObserveExport("csv", ResultSuccess, time.Millisecond)
	ObserveMapCache(true)
	ObserveHTTP(http.MethodGet, http.StatusOK, time.Millisecond)

	resp := httptest.NewRecorder()
	Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := resp.Body.String()
	for _, name := range []string{
		"airquality_ingest_requests_total",
		"airquality_evaluation_failures_total",
		"airquality_export_total",
		"airquality_map_cache_lookups_total",
		"airquality_instruments 3",
	} {
		assert.Truef(t, strings.Contains(body, name), "missing %s", name)
	}
}

package errtrack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestHTTPReporterPostsEvent(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		received <- ev
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	reporter := NewHTTPReporter(srv.URL, "airquality-api", zap.NewNop())
	reporter.Report(context.Background(), errors.New("boom"), map[string]string{"route": "/data/"})

	ev := <-received
	assert.Equal(t, "boom", ev.Message)
	assert.Equal(t, "airquality-api", ev.Service)
	assert.Equal(t, "/data/", ev.Tags["route"])
	assert.Len(t, ev.EventID, 36)
}

func TestMultiAndLogReporter(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	multi := Multi{LogReporter{Logger: zap.New(core)}, Nop{}, nil}
	multi.Report(context.Background(), errors.New("kaput"), map[string]string{"family": "mit"})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "unexpected error", entry.Message)
	assert.Equal(t, "mit", entry.ContextMap()["family"])
}

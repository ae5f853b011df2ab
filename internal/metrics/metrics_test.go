package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	reg := NewRegistry()
	StreamRequests.WithLabelValues("206").Inc()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pulse_stream_requests_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(HubEventsDropped)
	HubEventsDropped.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(HubEventsDropped))
}

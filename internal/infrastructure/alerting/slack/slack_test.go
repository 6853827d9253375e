package slack

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanline/tspjob/internal/domain"
	"github.com/urbanline/tspjob/internal/runtime"
)

func webhookServer(t *testing.T, bodies *[]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		*bodies = append(*bodies, string(body))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRequiresWebhook(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	s, err := New(Config{WebhookURL: "https://hooks.example.com/default"})
	require.NoError(t, err)
	assert.Equal(t, "tspjob", s.username)

	// Per-channel URLs alone are enough.
	_, err = New(Config{ChannelURLs: map[string]string{"ops": "https://hooks.example.com/ops"}})
	assert.NoError(t, err)
}

func TestEmitPostsFormattedMessage(t *testing.T) {
	var bodies []string
	srv := webhookServer(t, &bodies)

	sink, err := New(Config{WebhookURL: srv.URL, Username: "tsp-alerts"})
	require.NoError(t, err)

	err = sink.Emit(context.Background(), "ops", runtime.AlertEvent{
		JobName:      "gps-ingest",
		RunID:        "run-42",
		Attempt:      3,
		Status:       domain.StatusDead,
		ErrorKind:    domain.KindTransientDependency,
		ErrorMessage: "broker unreachable",
		DurationMS:   1500,
	})
	require.NoError(t, err)

	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "tsp-alerts")
	assert.Contains(t, bodies[0], "dead-lettered")
	assert.Contains(t, bodies[0], "gps-ingest")
	assert.Contains(t, bodies[0], "run-42")
	assert.Contains(t, bodies[0], "broker unreachable")
}

func TestEmitRoutesPerChannelWebhooks(t *testing.T) {
	var opsBodies, pagerBodies []string
	opsSrv := webhookServer(t, &opsBodies)
	pagerSrv := webhookServer(t, &pagerBodies)

	sink, err := New(Config{
		WebhookURL:  opsSrv.URL,
		ChannelURLs: map[string]string{"pager": pagerSrv.URL},
	})
	require.NoError(t, err)

	event := runtime.AlertEvent{JobName: "fare-recalc", Status: domain.StatusFailed}
	require.NoError(t, sink.Emit(context.Background(), "ops", event))
	require.NoError(t, sink.Emit(context.Background(), "pager", event))

	assert.Len(t, opsBodies, 1)
	assert.Len(t, pagerBodies, 1)
}

func TestEmitFailsWithoutURLForChannel(t *testing.T) {
	sink, err := New(Config{ChannelURLs: map[string]string{"ops": "https://hooks.example.com/ops"}})
	require.NoError(t, err)

	err = sink.Emit(context.Background(), "pager", runtime.AlertEvent{JobName: "gps-ingest"})
	assert.Error(t, err)
}

func TestFormatEvent(t *testing.T) {
	text := formatEvent(runtime.AlertEvent{
		JobName:      "trip-matcher",
		RunID:        "run-7",
		Attempt:      1,
		Status:       domain.StatusFailed,
		ErrorKind:    domain.KindUnexpected,
		ErrorMessage: "segment <north> & <south> overlap",
		ScheduledFor: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	})

	assert.Contains(t, text, "*Job run failed*")
	assert.Contains(t, text, "`trip-matcher`")
	assert.Contains(t, text, "2026-05-01T10:00:00Z")
	// Markup-significant characters are escaped.
	assert.Contains(t, text, "&lt;north&gt; &amp; &lt;south&gt;")
	assert.NotContains(t, text, "Duration", "zero duration is omitted")
}

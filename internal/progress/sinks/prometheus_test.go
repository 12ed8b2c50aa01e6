package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jiang10061/image-downloader/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{RunID: "run-1", TS: now, Stage: progress.StageRunStart},
		{
			RunID:       "run-1",
			TS:          now,
			Stage:       progress.StageAttemptDone,
			Site:        "example.com",
			URL:         "http://example.com/a.png",
			Attempt:     1,
			Bytes:       1024,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{RunID: "run-1", TS: now, Stage: progress.StageOutcome, URL: "http://example.com/a.png", Status: "completed"},
		{RunID: "run-1", TS: now, Stage: progress.StageRunDone, Dur: 15 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("example.com", "2xx")), 1e-9)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.attemptBytes.WithLabelValues("example.com")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.outcomes.WithLabelValues("completed")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.attemptDuration, "harvester_progress_attempt_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "harvester_progress_run_duration_seconds"))
}

func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	start := progress.Event{RunID: "run-1", TS: time.Now(), Stage: progress.StageRunStart}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start, start}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))

	done := progress.Event{RunID: "run-1", TS: time.Now(), Stage: progress.StageRunDone}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{done, done}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
}

func TestPrometheusSinkReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	second, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	evt := progress.Event{RunID: "run-2", TS: time.Now(), Stage: progress.StageRunStart}
	require.NoError(t, second.Consume(context.Background(), []progress.Event{evt}))
	require.Equal(t, 1.0, testutil.ToFloat64(first.runsStarted))
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(zap.NewNop())
	batch := []progress.Event{{
		RunID:   "run-1",
		Stage:   progress.StageRetry,
		URL:     "http://example.com/a.png",
		Attempt: 1,
		Proxy:   "http://10.0.0.1:8080",
		Note:    "http status 503",
	}}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Close(context.Background()))
	require.NoError(t, NewLogSink(nil).Consume(context.Background(), batch))
}

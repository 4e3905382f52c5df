package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewMigrationMetrics(registry)
	require.NoError(t, err)

	m.RecordOutcome("pull_through", OutcomeMigrated)
	m.RecordOutcome("pull_through", OutcomeMigrated)
	m.RecordOutcome("pull_through", OutcomeAbandoned)
	m.RecordAttemptFailure("pull_through", "upload")
	m.RecordBytesUploaded(2048)
	m.RecordAttemptDuration("pull_through", 250*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.resourcesTotal.WithLabelValues("pull_through", OutcomeMigrated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resourcesTotal.WithLabelValues("pull_through", OutcomeAbandoned)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attemptFailuresTotal.WithLabelValues("pull_through", "upload")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.bytesUploadedTotal))

	_, err = NewMigrationMetrics(registry)
	assert.Error(t, err, "registering twice should fail")
}

func TestMigrationMetrics_NilIsNoop(t *testing.T) {
	var m *MigrationMetrics

	assert.NotPanics(t, func() {
		m.RecordOutcome("bucket", OutcomeMigrated)
		m.RecordAttemptFailure("bucket", "fetch")
		m.RecordBytesUploaded(1)
		m.RecordAttemptDuration("bucket", time.Second)
	})
}

func TestServe(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewMigrationMetrics(registry)
	require.NoError(t, err)
	m.RecordOutcome("bucket", OutcomeMigrated)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := Serve(ctx, "127.0.0.1:0", registry)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `blobmigrate_resources_total{mode="bucket",outcome="migrated"} 1`)
}

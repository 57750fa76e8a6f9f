package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBulkItems(t *testing.T) {
	before := testutil.ToFloat64(metricBulkItems.WithLabelValues("star", "succeeded"))
	BulkItems("star", "succeeded", 3)
	BulkItems("star", "succeeded", 0)
	after := testutil.ToFloat64(metricBulkItems.WithLabelValues("star", "succeeded"))
	assert.Equal(t, 3.0, after-before)
}

func TestObserveCommand(t *testing.T) {
	ObserveCommand("select", time.Now(), nil)
	ObserveCommand("select", time.Now(), errors.New("boom"))
	assert.Equal(t, 2, testutil.CollectAndCount(metricIMAPCommands, "mailsync_imap_command_duration_seconds"))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(metricDivergence)
	Diverged()
	assert.Equal(t, 1.0, testutil.ToFloat64(metricDivergence)-before)

	PoolSize(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(metricPoolSessions))
}

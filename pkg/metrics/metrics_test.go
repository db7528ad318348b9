package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/auvault/pkg/gc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRepositoryMetrics(t *testing.T) {
	m := newRepositoryMetrics(prometheus.NewRegistry())

	m.ObserveCommit(100, time.Millisecond, nil)
	m.ObserveCommit(50, time.Millisecond, nil)
	m.ObserveCommit(10, time.Millisecond, errors.New("disk full"))
	m.ObserveSizeCalc(time.Millisecond, nil)
	m.SetSizeCalcQueueDepth("s1", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commitsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commitsTotal.WithLabelValues("error")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.committedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sizeCalcTotal.WithLabelValues("success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("s1")))
}

func TestSegmentMetrics(t *testing.T) {
	m := newSegmentMetrics(prometheus.NewRegistry())

	m.ObserveAppend(512, time.Millisecond, nil)
	m.ObserveAppend(512, time.Millisecond, errors.New("short write"))
	m.RecordRollover("au/WARC", 2)
	m.RecordBytesRead(64)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.appendsTotal.WithLabelValues("success")))
	assert.Equal(t, 512.0, testutil.ToFloat64(m.appendedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollovers))
	assert.Equal(t, 64.0, testutil.ToFloat64(m.bytesRead))
}

func TestS3Metrics(t *testing.T) {
	m := newS3Metrics(prometheus.NewRegistry())

	m.ObserveOperation("PutObject", time.Second, nil)
	m.ObserveOperation("HeadObject", time.Second, errors.New("forbidden"))
	m.RecordBytes("upload", 1024)
	m.RecordSegment("uploaded")
	m.RecordSegment("skipped")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("PutObject", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("HeadObject")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.bytesTransferred.WithLabelValues("upload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.segmentsTotal.WithLabelValues("skipped")))
}

func TestGCMetrics(t *testing.T) {
	m := newGCMetrics(prometheus.NewRegistry())

	start := time.Now()
	m.ObserveRun("s1", &gc.Stats{StartTime: start, EndTime: start.Add(time.Second), OrphanedCount: 2, DeletedCount: 2, ReclaimedBytes: 4096}, nil)
	m.ObserveRun("s1", nil, errors.New("walk failed"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("s1", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("s1", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.segmentsRemoved.WithLabelValues("s1")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.reclaimedBytes.WithLabelValues("s1")))
}

func TestConstructorsWithoutRegistry(t *testing.T) {
	if IsEnabled() {
		t.Skip("global registry initialized by another test")
	}
	assert.Nil(t, NewRepositoryMetrics())
	assert.Nil(t, NewSegmentMetrics())
	assert.Nil(t, NewS3Metrics())
	assert.Nil(t, NewGCMetrics())
}

func TestHealthEndpoint(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	cfg := ServerConfig{Health: func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("shard s1 closed")
	}}
	cfg.applyDefaults()
	srv := httptest.NewServer(newMux(cfg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	healthy.Store(false)
	resp, err = http.Get(srv.URL + "/healthz")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/nope")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/kernelmemory/km/orchestrator/distributed"
	"github.com/kernelmemory/km/orchestrator/inprocess"
	"github.com/kernelmemory/km/pkg/metrics"
	"github.com/kernelmemory/km/queue"
	natsqueue "github.com/kernelmemory/km/queue/nats"
)

// MetricsSnapshot is a JSON rollup of every pkg/metrics registry in the
// process, the same operational-dashboard role cmd/api's
// /api/v1/metrics/snapshot endpoint played for the teacher's knowledge
// graph, adapted from one domain-specific struct into a generic
// registry-name -> counters map so it stays correct as registries are
// added or removed.
type MetricsSnapshot struct {
	Timestamp    time.Time        `json:"timestamp"`
	Orchestrator map[string]int64 `json:"orchestrator"`
	Distributed  map[string]int64 `json:"distributed"`
	Queue        map[string]int64 `json:"queue"`
	QueueNATS    map[string]int64 `json:"queue_nats"`
}

// HandleMetricsSnapshot serves GET /metrics-snapshot: a single JSON
// view across the in-process orchestrator, distributed orchestrator,
// and both queue backends' counters and gauges, for operators who want
// current values without scraping and diffing /metrics text.
func HandleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := MetricsSnapshot{
		Timestamp:    time.Now().UTC(),
		Orchestrator: inprocess.Metrics().Snapshot(),
		Distributed:  distributed.Metrics().Snapshot(),
		Queue:        queue.Metrics().Snapshot(),
		QueueNATS:    natsqueue.Metrics().Snapshot(),
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleMetrics serves GET /metrics: the Prometheus text exposition of
// every registry in the process, merged with pkg/metrics.RenderAll so a
// single scrape config picks up the in-process orchestrator, the
// distributed orchestrator, and both queue backends' counters, gauges,
// and histograms.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	out := metrics.RenderAll(
		inprocess.Metrics(),
		distributed.Metrics(),
		queue.Metrics(),
		natsqueue.Metrics(),
	)
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(out))
}

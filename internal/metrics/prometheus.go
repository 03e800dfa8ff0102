package metrics

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
)

// promWriter emits one metric family at a time and remembers the first
// write error.
type promWriter struct {
	w   *bufio.Writer
	err error
}

func (p *promWriter) family(name, kind, help string) {
	p.printf("# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func (p *promWriter) sample(name string, value any, labels ...string) {
	if len(labels) == 0 {
		p.printf("%s %v\n", name, value)
		return
	}
	p.printf("%s{", name)
	for i := 0; i+1 < len(labels); i += 2 {
		if i > 0 {
			p.printf(",")
		}
		p.printf("%s=%q", labels[i], labels[i+1])
	}
	p.printf("} %v\n", value)
}

func (p *promWriter) printf(format string, args ...any) {
	if p.err == nil {
		_, p.err = fmt.Fprintf(p.w, format, args...)
	}
}

// WritePrometheus renders the store in the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	p := &promWriter{w: bufio.NewWriter(w)}

	scalar := func(name, kind, help string, value any) {
		p.family(name, kind, help)
		p.sample(name, value)
	}
	scalar("healthagent_queue_depth_number", "gauge", "Number of health updates currently buffered in memory.", snap.QueueDepth)
	scalar("healthagent_queue_dropped_total", "counter", "Total health updates evicted due to buffer pressure.", snap.QueueDroppedTotal)
	scalar("healthagent_endpoints_number", "gauge", "Number of endpoints currently registered.", snap.Endpoints)
	scalar("healthagent_loops_running_number", "gauge", "Number of sampling loops currently running.", snap.RunningLoops)
	scalar("healthagent_loops_finished_total", "counter", "Total sampling loops that terminated.", snap.LoopsFinishedTotal)
	scalar("healthagent_loop_panics_total", "counter", "Total sampling loops terminated by a panic.", snap.LoopPanicsTotal)

	p.family("healthagent_uploads_total", "counter", "Upload batches by outcome.")
	p.sample("healthagent_uploads_total", snap.UploadsTotal, "outcome", "ok")
	p.sample("healthagent_uploads_total", snap.UploadsDroppedTotal, "outcome", "dropped")
	scalar("healthagent_updates_uploaded_total", "counter", "Health updates accepted by the collector.", snap.UpdatesUploadedTotal)
	scalar("healthagent_updates_lost_total", "counter", "Health updates lost with failed upload batches.", snap.UpdatesLostTotal)
	p.family("healthagent_refresh_total", "counter", "Endpoint/config refreshes by outcome.")
	p.sample("healthagent_refresh_total", snap.RefreshTotal, "outcome", "ok")
	p.sample("healthagent_refresh_total", snap.RefreshFailedTotal, "outcome", "failed")

	p.family("healthagent_checks_total", "counter", "Health checks by monitor type and status.")
	for _, c := range snap.Checks {
		p.sample("healthagent_checks_total", c.Count, "monitor_type", c.MonitorType, "status", c.Status)
	}
	p.family("healthagent_check_response_ms_total", "counter", "Sum of check response times in milliseconds.")
	for _, c := range snap.Checks {
		p.sample("healthagent_check_response_ms_total", c.ResponseTimeTotalMs, "monitor_type", c.MonitorType, "status", c.Status)
	}

	readyValue, reason := 0, snap.ReadyReason
	switch {
	case snap.Ready:
		readyValue, reason = 1, "ready"
	case reason == "":
		reason = "unknown"
	}
	scalar("healthagent_ready", "gauge", "Whether the agent considers itself ready (1=ready).", readyValue)
	p.family("healthagent_ready_info", "gauge", "Reason associated with the most recent readiness evaluation.")
	p.sample("healthagent_ready_info", 1, "reason", reason)
	p.family("healthagent_ready_transitions_total", "counter", "Count of readiness state transitions by resulting state.")
	p.sample("healthagent_ready_transitions_total", snap.ReadyTransitions, "state", "ready")
	p.sample("healthagent_ready_transitions_total", snap.NotReadyTransitions, "state", "not_ready")
	scalar("healthagent_ready_alerts_total", "counter", "Total number of readiness alert transitions.", snap.ReadyAlerts)

	p.family("healthagent_ready_categories_info", "gauge", "Categories associated with the most recent readiness evaluation.")
	if len(snap.ReadyCategories) == 0 {
		p.sample("healthagent_ready_categories_info", 1, "category", "none", "severity", "none")
	}
	for _, cat := range snap.ReadyCategories {
		p.sample("healthagent_ready_categories_info", 1, "category", cat.Name, "severity", cat.Severity)
	}
	p.family("healthagent_ready_category_transitions_total", "counter", "Count of readiness degradations annotated by category.")
	if len(snap.CategoryTransitions) == 0 {
		p.sample("healthagent_ready_category_transitions_total", 0, "category", "none", "severity", "none")
	}
	for _, cc := range snap.CategoryTransitions {
		p.sample("healthagent_ready_category_transitions_total", cc.Count, "category", cc.Category, "severity", cc.Severity)
	}

	if p.err != nil {
		return p.err
	}
	return p.w.Flush()
}

// NewHTTPHandler serves the store on GET and HEAD.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
		default:
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}

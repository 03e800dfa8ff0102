package health

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pingsantohq/healthagent/internal/metrics"
)

const (
	defaultSyncStale       = 3 * time.Minute
	certExpiryWarningAhead = time.Hour
	uploadFailureThreshold = 3
)

const (
	categoryQueuePressure = "QUEUE_PRESSURE"
	categorySyncPending   = "SYNC_PENDING"
	categorySyncStale     = "SYNC_STALE"
	categorySyncError     = "SYNC_ERROR"
	categoryUploadFailing = "UPLOAD_FAILING"
	categoryCertExpiring  = "CERT_EXPIRING"
	categoryCertExpired   = "CERT_EXPIRED"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// Checker derives agent readiness from the outcomes of collector exchanges,
// the client certificate lifetime and the depth of the update buffer.
type Checker struct {
	metrics       *metrics.Store
	queueCapacity int
	staleAfter    time.Duration

	mu    sync.RWMutex
	state observed
}

type observed struct {
	syncedAt     time.Time
	syncFailedAt time.Time
	syncErr      string
	uploadStreak int
	uploadErr    string
	certNotAfter time.Time
}

// condition is one reason the agent is not ready.
type condition struct {
	reason   string
	category string
	severity string
}

func NewChecker(store *metrics.Store, queueCapacity int, staleAfter time.Duration) *Checker {
	if staleAfter <= 0 {
		staleAfter = defaultSyncStale
	}
	return &Checker{metrics: store, queueCapacity: queueCapacity, staleAfter: staleAfter}
}

// ObserveSync records the outcome of an endpoint/config refresh.
func (c *Checker) ObserveSync(ts time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.state.syncedAt = ts
		c.state.syncErr, c.state.syncFailedAt = "", time.Time{}
		return
	}
	c.state.syncErr, c.state.syncFailedAt = err.Error(), ts
}

// ObserveUpload records the outcome of one batch upload. Only consecutive
// failures count against readiness.
func (c *Checker) ObserveUpload(updates int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.state.uploadStreak, c.state.uploadErr = 0, ""
		return
	}
	c.state.uploadStreak++
	c.state.uploadErr = err.Error()
}

func (c *Checker) SetCertExpiry(expiry time.Time) {
	c.mu.Lock()
	c.state.certNotAfter = expiry
	c.mu.Unlock()
}

// Ready reports whether the agent is ready at now. When it is not, the
// reasons are returned in a stable order and published to the metrics store.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	c.mu.RLock()
	st := c.state
	c.mu.RUnlock()

	var failing []condition
	failing = append(failing, c.queueConditions()...)
	failing = append(failing, c.syncConditions(st, now)...)
	if st.uploadStreak >= uploadFailureThreshold {
		failing = append(failing, condition{
			fmt.Sprintf("uploads failing (%d consecutive): %s", st.uploadStreak, st.uploadErr),
			categoryUploadFailing, severityWarning,
		})
	}
	if cond, ok := certCondition(st.certNotAfter, now); ok {
		failing = append(failing, cond)
	}

	if len(failing) == 0 {
		if c.metrics != nil {
			c.metrics.ObserveReadiness(true, "", nil)
		}
		return true, nil
	}
	reasons := make([]string, len(failing))
	categories := make([]metrics.ReadinessCategory, len(failing))
	for i, cond := range failing {
		reasons[i] = cond.reason
		categories[i] = metrics.ReadinessCategory{Name: cond.category, Severity: cond.severity}
	}
	if c.metrics != nil {
		c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "), categories)
	}
	return false, reasons
}

func (c *Checker) queueConditions() []condition {
	if c.metrics == nil || c.queueCapacity <= 0 {
		return nil
	}
	if c.metrics.Snapshot().QueueDepth < int64(c.queueCapacity) {
		return nil
	}
	return []condition{{"queue capacity exceeded", categoryQueuePressure, severityWarning}}
}

func (c *Checker) syncConditions(st observed, now time.Time) []condition {
	var out []condition
	switch age := now.Sub(st.syncedAt); {
	case st.syncedAt.IsZero():
		out = append(out, condition{"endpoints not yet synced", categorySyncPending, severityInfo})
	case age > c.staleAfter:
		out = append(out, condition{
			fmt.Sprintf("endpoint sync stale (%s)", age.Round(time.Second)),
			categorySyncStale, severityWarning,
		})
	}
	// Failures older than the stale window are history, not a current problem.
	if st.syncErr != "" && now.Sub(st.syncFailedAt) <= c.staleAfter {
		out = append(out, condition{"endpoint sync failing: " + st.syncErr, categorySyncError, severityCritical})
	}
	return out
}

func certCondition(notAfter, now time.Time) (condition, bool) {
	switch {
	case notAfter.IsZero():
		return condition{}, false
	case !notAfter.After(now):
		return condition{"client certificate expired", categoryCertExpired, severityCritical}, true
	case notAfter.Sub(now) < certExpiryWarningAhead:
		return condition{"client certificate expiring soon", categoryCertExpiring, severityWarning}, true
	}
	return condition{}, false
}

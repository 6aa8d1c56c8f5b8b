package prometheus

import (
	"strconv"
	"time"
)

// CareMetrics holds all service metrics. Labels never carry family, member,
// or child identifiers.
type CareMetrics struct {
	// HTTP
	HTTPRequestsTotal   CounterVec
	HTTPRequestDuration HistogramVec
	HTTPActiveRequests  GaugeVec

	// Coordination
	ActivitiesAppended  CounterVec
	ConflictsDetected   CounterVec
	ConflictScore       HistogramVec
	ConflictsResolved   CounterVec
	PresenceTransitions CounterVec
	PermissionDenials   CounterVec
	InvitationsTotal    CounterVec
	SyncActionsTotal    CounterVec
	SyncRetriesTotal    CounterVec
	SyncBatchDuration   HistogramVec
	ActiveActors        GaugeVec
	MailboxRejections   CounterVec
	ActiveSubscribers   GaugeVec
	SubscriberDrops     CounterVec
	OperationDuration   HistogramVec

	// Infrastructure
	DBQueryDuration   HistogramVec
	EventsPublished   CounterVec
	HealthCheckStatus GaugeVec
	ErrorsTotal       CounterVec
}

var (
	DefaultHTTPDurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}
	DefaultDBDurationBuckets   = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1}
	DefaultScoreBuckets        = []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1}
	DefaultSyncBuckets         = []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30}
)

// NewCareMetrics registers every metric on collector.
func NewCareMetrics(collector MetricsCollector) *CareMetrics {
	m := &CareMetrics{}

	m.HTTPRequestsTotal = collector.RegisterCounter("http_requests_total", "Total HTTP requests", "method", "path", "status_code")
	m.HTTPRequestDuration = collector.RegisterHistogram("http_request_duration_seconds", "HTTP request duration", DefaultHTTPDurationBuckets, "method", "path")
	m.HTTPActiveRequests = collector.RegisterGauge("http_active_requests", "Active HTTP requests", "method")

	m.ActivitiesAppended = collector.RegisterCounter("activities_appended_total", "Activity events committed", "type")
	m.ConflictsDetected = collector.RegisterCounter("conflicts_detected_total", "Conflict records opened", "type")
	m.ConflictScore = collector.RegisterHistogram("conflict_score", "Scores of candidate pairs that crossed the threshold", DefaultScoreBuckets, "type")
	m.ConflictsResolved = collector.RegisterCounter("conflicts_resolved_total", "Conflict resolutions applied", "resolution", "actor")
	m.PresenceTransitions = collector.RegisterCounter("presence_transitions_total", "Presence status changes", "status", "reason")
	m.PermissionDenials = collector.RegisterCounter("permission_denials_total", "Denied authorization checks", "action", "reason")
	m.InvitationsTotal = collector.RegisterCounter("invitations_total", "Invitation lifecycle transitions", "status")
	m.SyncActionsTotal = collector.RegisterCounter("sync_actions_total", "Replayed offline actions by outcome", "kind", "outcome")
	m.SyncRetriesTotal = collector.RegisterCounter("sync_retries_total", "Transient replay retries", "kind")
	m.SyncBatchDuration = collector.RegisterHistogram("sync_batch_duration_seconds", "Offline batch replay duration", DefaultSyncBuckets)
	m.ActiveActors = collector.RegisterGauge("family_actors_active", "Running per-family actors")
	m.MailboxRejections = collector.RegisterCounter("family_mailbox_rejections_total", "Commands rejected by a full mailbox")
	m.ActiveSubscribers = collector.RegisterGauge("subscribers_active", "Open live subscriptions", "stream")
	m.SubscriberDrops = collector.RegisterCounter("subscriber_drops_total", "Subscribers dropped for falling behind", "stream")
	m.OperationDuration = collector.RegisterHistogram("operation_duration_seconds", "Service operation latency", DefaultHTTPDurationBuckets, "operation")

	m.DBQueryDuration = collector.RegisterHistogram("db_query_duration_seconds", "Database query duration", DefaultDBDurationBuckets, "operation")
	m.EventsPublished = collector.RegisterCounter("events_published_total", "Domain events published", "topic", "status")
	m.HealthCheckStatus = collector.RegisterGauge("health_check_status", "Health check status (1=up, 0=down)", "component")
	m.ErrorsTotal = collector.RegisterCounter("errors_total", "Total errors", "component", "code")

	return m
}

// NewNopMetrics returns metrics that record nothing.
func NewNopMetrics() *CareMetrics {
	return NewCareMetrics(nopCollector{})
}

type nopCollector struct{ MetricsCollector }

func (nopCollector) RegisterCounter(string, string, ...string) CounterVec { return noopCounterVec{} }
func (nopCollector) RegisterGauge(string, string, ...string) GaugeVec     { return noopGaugeVec{} }
func (nopCollector) RegisterHistogram(string, string, []float64, ...string) HistogramVec {
	return noopHistogramVec{}
}

// Helpers

func (m *CareMetrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *CareMetrics) RecordSyncAction(kind, outcome string, attempts int) {
	m.SyncActionsTotal.WithLabelValues(kind, outcome).Inc()
	if attempts > 1 {
		m.SyncRetriesTotal.WithLabelValues(kind).Add(float64(attempts - 1))
	}
}

func (m *CareMetrics) RecordResolution(resolution string, system bool) {
	actor := "member"
	if system {
		actor = "system"
	}
	m.ConflictsResolved.WithLabelValues(resolution, actor).Inc()
}

func (m *CareMetrics) RecordDBQuery(operation string, duration time.Duration, err error) {
	m.DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.ErrorsTotal.WithLabelValues("database", "query_error").Inc()
	}
}

func (m *CareMetrics) RecordError(component, code string) {
	m.ErrorsTotal.WithLabelValues(component, code).Inc()
}

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/trustline/pki"
)

// caMetrics holds the Prometheus collectors of one API.
type caMetrics struct {
	requestDuration *prometheus.HistogramVec
	submissions     *prometheus.CounterVec
	crlRequests     *prometheus.CounterVec
	signed          prometheus.Counter
	revoked         prometheus.Counter
	renewed         prometheus.Counter
}

// newCAMetrics registers the CA collectors with reg. The pending and signed
// gauges are read from ca on every scrape.
func newCAMetrics(reg prometheus.Registerer, ca *pki.CA) *caMetrics {
	m := &caMetrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "http",
			Name:      "request_duration_seconds",
			Help:      "A histogram of duration, in seconds, handling HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"method", "path", "status"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustline",
			Subsystem: "ca",
			Name:      "csr_submissions_total",
			Help:      "Certificate requests received, by result.",
		}, []string{"result"}),
		crlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustline",
			Subsystem: "ca",
			Name:      "crl_requests_total",
			Help:      "CRL downloads, by whether the CRL was sent or unmodified.",
		}, []string{"result"}),
		signed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trustline",
			Subsystem: "ca",
			Name:      "certificates_signed_total",
			Help:      "Certificates signed through the API.",
		}),
		revoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trustline",
			Subsystem: "ca",
			Name:      "certificates_revoked_total",
			Help:      "Certificates revoked through the API.",
		}),
		renewed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trustline",
			Subsystem: "ca",
			Name:      "certificates_renewed_total",
			Help:      "Certificates renewed through the API.",
		}),
	}

	reg.MustRegister(m.requestDuration, m.submissions, m.crlRequests, m.signed, m.revoked, m.renewed)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	if ca != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "trustline",
			Subsystem: "ca",
			Name:      "pending_requests",
			Help:      "The number of certificate requests waiting to be signed.",
		}, func() float64 {
			names, err := ca.Waiting(context.Background())
			if err != nil {
				return 0
			}
			return float64(len(names))
		}))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "trustline",
			Subsystem: "ca",
			Name:      "signed_certificates",
			Help:      "The number of signed certificates held by the CA.",
		}, func() float64 {
			names, err := ca.List(context.Background())
			if err != nil {
				return 0
			}
			return float64(len(names))
		}))
	}
	return m
}

// middleware observes request_duration_seconds using the matched route
// pattern as the path label.
func (m *caMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestDuration.With(prometheus.Labels{
			"method": r.Method,
			"path":   path,
			"status": strconv.Itoa(status),
		}).Observe(time.Since(start).Seconds())
	})
}

func (m *caMetrics) handler(reg *prometheus.Registry) http.Handler {
	return promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}

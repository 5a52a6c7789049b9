// Package metrics exposes Prometheus counters for the control channels,
// grounded on the same collector-registration idiom the sockstats exporter
// uses for per-connection TCP_INFO gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the counters shared across the driver's components. A
// nil *Registry is valid and every method becomes a no-op, so components
// can be used without a Prometheus registry in tests and examples.
type Registry struct {
	FramesSent       *prometheus.CounterVec
	FramesFailed     *prometheus.CounterVec
	SubPackagesSeen  *prometheus.CounterVec
	WaiterTimeouts   *prometheus.CounterVec
	ClientsAdopted   *prometheus.CounterVec
}

// NewRegistry builds a Registry and registers its collectors with reg. A
// nil reg registers against a freshly created prometheus.Registry instead
// of the global DefaultRegisterer, so repeated calls (e.g. in tests) never
// collide on duplicate collector names.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Registry{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elite_driver_frames_sent_total",
			Help: "Frames written to a control channel, by channel.",
		}, []string{"channel"}),
		FramesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elite_driver_frame_write_failures_total",
			Help: "Frame writes that failed, by channel.",
		}, []string{"channel"}),
		SubPackagesSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elite_driver_primary_subpackages_total",
			Help: "Primary-port sub-packages observed, by sub-type.",
		}, []string{"subtype"}),
		WaiterTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elite_driver_waiter_timeouts_total",
			Help: "Primary-port waiter registrations that timed out, by sub-type.",
		}, []string{"subtype"}),
		ClientsAdopted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elite_driver_clients_adopted_total",
			Help: "Inbound connections adopted by a channel listener, by channel.",
		}, []string{"channel"}),
	}
	reg.MustRegister(r.FramesSent, r.FramesFailed, r.SubPackagesSeen, r.WaiterTimeouts, r.ClientsAdopted)
	return r
}

func (r *Registry) frameSent(channel string) {
	if r == nil {
		return
	}
	r.FramesSent.WithLabelValues(channel).Inc()
}

func (r *Registry) frameFailed(channel string) {
	if r == nil {
		return
	}
	r.FramesFailed.WithLabelValues(channel).Inc()
}

// FrameWrite records the outcome of a single frame write on channel.
func (r *Registry) FrameWrite(channel string, err error) {
	if err != nil {
		r.frameFailed(channel)
		return
	}
	r.frameSent(channel)
}

// SubPackage records a sub-package observed on the primary feed.
func (r *Registry) SubPackage(subtype string) {
	if r == nil {
		return
	}
	r.SubPackagesSeen.WithLabelValues(subtype).Inc()
}

// WaiterTimeout records a waiter that timed out before the sub-type arrived.
func (r *Registry) WaiterTimeout(subtype string) {
	if r == nil {
		return
	}
	r.WaiterTimeouts.WithLabelValues(subtype).Inc()
}

// ClientAdopted records a newly adopted inbound connection on channel.
func (r *Registry) ClientAdopted(channel string) {
	if r == nil {
		return
	}
	r.ClientsAdopted.WithLabelValues(channel).Inc()
}

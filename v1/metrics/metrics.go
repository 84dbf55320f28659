package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockCounter tracks the number of Lock calls on proxies.
	LockCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warp_lock_total",
		Help: "Total number of proxy Lock calls",
	})
	// RemoteRequestCounter tracks acquisition requests sent to a master.
	RemoteRequestCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warp_lock_remote_requests_total",
		Help: "Total number of lock requests sent to a remote master",
	})
	// ReleaseCounter tracks release requests sent to a master.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warp_lock_releases_total",
		Help: "Total number of lock release requests sent to a master",
	})
	// AcquireFailureCounter tracks failed acquisition cycles by route.
	AcquireFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warp_lock_acquire_failures_total",
		Help: "Total number of failed lock acquisition cycles",
	}, []string{"route"})
	// WaiterGauge reports the number of callers parked behind an in-flight acquisition.
	WaiterGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warp_lock_waiters",
		Help: "Current number of callers waiting on a lock acquisition",
	})
	// GrantCounter tracks grants handed out by master-side arbiters.
	GrantCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warp_master_grants_total",
		Help: "Total number of lock grants issued by this master",
	})
	// MasterReleaseCounter tracks releases processed by master-side arbiters.
	MasterReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warp_master_releases_total",
		Help: "Total number of lock releases processed by this master",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock proxy and master metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockCounter,
		RemoteRequestCounter,
		ReleaseCounter,
		AcquireFailureCounter,
		WaiterGauge,
		GrantCounter,
		MasterReleaseCounter,
	)
}

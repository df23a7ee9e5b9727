package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-serialmgr/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	SerialConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_connects_total",
		Help: "Total successful connects of the shared slot.",
	})
	SerialDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_disconnects_total",
		Help: "Total disconnects of the shared slot.",
	})
	SerialTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_bytes_total",
		Help: "Total bytes accepted by the device.",
	})
	SerialRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_bytes_total",
		Help: "Total bytes read from the device.",
	})
	SerialWriteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_write_retries_total",
		Help: "Total write attempts beyond the first.",
	})
	SerialReadTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_read_timeouts_total",
		Help: "Total reads that returned without data before their timeout.",
	})
	SerialConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "serial_connected",
		Help: "1 while the shared slot holds a connection.",
	})
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "control_requests_total",
		Help: "Control requests handled, by operation.",
	}, []string{"op"})
	HubDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_events_total",
		Help: "Total slot events dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by kind.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
// The manager kinds double as wire error kinds.
const (
	ErrAlreadyConnected  = "already_connected"
	ErrNotConnected      = "not_connected"
	ErrConnectionRefused = "connection_refused"
	ErrWriteFailed       = "write_failed"
	ErrReadFailed        = "read_failed"
	ErrTimedOut          = "timed_out"
	ErrLockPoisoned      = "lock_poisoned"
	ErrEnumeration       = "enumeration_failed"
	ErrDecode            = "decode_failed"
	ErrSerialClose       = "serial_close"
	ErrTCPRead           = "tcp_read"
	ErrTCPWrite          = "tcp_write"
	ErrHandshake         = "handshake"
	ErrProtocol          = "protocol"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localConnects    atomic.Uint64
	localDisconnects atomic.Uint64
	localTxBytes     atomic.Uint64
	localRxBytes     atomic.Uint64
	localRetries     atomic.Uint64
	localTimeouts    atomic.Uint64
	localConnected   atomic.Uint64
	localRequests    atomic.Uint64
	localHubDrop     atomic.Uint64
	localHubKick     atomic.Uint64
	localHubReject   atomic.Uint64
	localHubClients  atomic.Uint64
	localErrors      atomic.Uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Connects    uint64
	Disconnects uint64
	TxBytes     uint64
	RxBytes     uint64
	Retries     uint64
	Timeouts    uint64
	Connected   uint64
	Requests    uint64
	HubDrops    uint64
	HubKicks    uint64
	HubRejects  uint64
	HubClients  uint64
	Errors      uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		Connects:    localConnects.Load(),
		Disconnects: localDisconnects.Load(),
		TxBytes:     localTxBytes.Load(),
		RxBytes:     localRxBytes.Load(),
		Retries:     localRetries.Load(),
		Timeouts:    localTimeouts.Load(),
		Connected:   localConnected.Load(),
		Requests:    localRequests.Load(),
		HubDrops:    localHubDrop.Load(),
		HubKicks:    localHubKick.Load(),
		HubRejects:  localHubReject.Load(),
		HubClients:  localHubClients.Load(),
		Errors:      localErrors.Load(),
	}
}

// IncConnect records a successful connect and flips the connected gauge.
func IncConnect() {
	SerialConnects.Inc()
	localConnects.Add(1)
	setConnected(true)
}

func IncDisconnect() {
	SerialDisconnects.Inc()
	localDisconnects.Add(1)
	setConnected(false)
}

func setConnected(on bool) {
	var v uint64
	if on {
		v = 1
	}
	SerialConnected.Set(float64(v))
	localConnected.Store(v)
}

func AddTxBytes(n int) {
	if n <= 0 {
		return
	}
	SerialTxBytes.Add(float64(n))
	localTxBytes.Add(uint64(n))
}

func AddRxBytes(n int) {
	if n <= 0 {
		return
	}
	SerialRxBytes.Add(float64(n))
	localRxBytes.Add(uint64(n))
}

func IncWriteRetry() {
	SerialWriteRetries.Inc()
	localRetries.Add(1)
}

func IncReadTimeout() {
	SerialReadTimeouts.Inc()
	localTimeouts.Add(1)
}

func IncRequest(op string) {
	Requests.WithLabelValues(op).Inc()
	localRequests.Add(1)
}

func IncHubDrop() {
	HubDroppedEvents.Inc()
	localHubDrop.Add(1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	localHubKick.Add(1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	localHubReject.Add(1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	localHubClients.Store(uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrAlreadyConnected, ErrNotConnected, ErrConnectionRefused,
		ErrWriteFailed, ErrReadFailed, ErrTimedOut, ErrLockPoisoned,
		ErrEnumeration, ErrDecode, ErrSerialClose,
		ErrTCPRead, ErrTCPWrite, ErrHandshake, ErrProtocol,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

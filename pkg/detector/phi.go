// Package detector implements a φ-accrual failure detector (spec.md §4.2).
package detector

import (
	"math"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quorumdb/corering/pkg/endpoint"
)

// DefaultWindowSize is the bounded number of inter-arrival samples kept per
// endpoint (spec.md §4.2: "N ≈ 1000").
const DefaultWindowSize = 1000

// DefaultPhiThreshold is the suspicion level above which an endpoint is
// convicted (spec.md §4.2, §8 scenario 4: "φ crosses the threshold (≈ 8)").
const DefaultPhiThreshold = 8.0

// Listener is notified exactly once per threshold crossing. Implementations
// must not block; the detector invokes listeners outside any internal lock
// (spec.md §4.2).
type Listener interface {
	Convict(id endpoint.ID, phi float64)
}

// arrivalWindow is a bounded circular buffer of inter-arrival intervals plus
// the running mean used to fit an exponential distribution.
type arrivalWindow struct {
	samples    []float64 // nanoseconds
	size       int
	head       int
	count      int
	lastArrive time.Time
	sum        float64
	convicted  bool
}

func newArrivalWindow(size int) *arrivalWindow {
	return &arrivalWindow{samples: make([]float64, size), size: size}
}

func (w *arrivalWindow) add(interval float64) {
	if w.count == w.size {
		w.sum -= w.samples[w.head]
	} else {
		w.count++
	}
	w.samples[w.head] = interval
	w.sum += interval
	w.head = (w.head + 1) % w.size
}

func (w *arrivalWindow) mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

// phi computes -log10(1 - F(t)) for an exponential CDF fit with rate 1/mean
// (spec.md §4.2).
func (w *arrivalWindow) phi(now time.Time) float64 {
	if w.lastArrive.IsZero() || w.count == 0 {
		return 0
	}
	mean := w.mean()
	if mean <= 0 {
		return 0
	}
	t := float64(now.Sub(w.lastArrive))
	// Survival function of an exponential: P(X > t) = exp(-t/mean).
	exponent := t / mean
	return exponent / math.Ln10
}

// Detector is a per-endpoint φ-accrual estimator (spec.md §4.2).
type Detector struct {
	mu        sync.Mutex
	windows   map[string]*arrivalWindow
	windowSz  int
	threshold float64
	listeners []Listener
	logger    log.Logger

	convictions prometheus.Counter
	phiGauge    *prometheus.GaugeVec
}

// New constructs a Detector with the given window size and φ threshold.
func New(windowSize int, threshold float64, logger log.Logger, reg prometheus.Registerer) *Detector {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if threshold <= 0 {
		threshold = DefaultPhiThreshold
	}
	return &Detector{
		windows:   map[string]*arrivalWindow{},
		windowSz:  windowSize,
		threshold: threshold,
		logger:    logger,
		convictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "failure_detector_convictions_total",
			Help: "Number of times the failure detector has convicted an endpoint.",
		}),
		phiGauge: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "failure_detector_phi",
			Help: "Most recently computed phi suspicion level per endpoint.",
		}, []string{"endpoint"}),
	}
}

// AddListener registers a listener for conviction notifications.
func (d *Detector) AddListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Report records a heartbeat arrival at now.
func (d *Detector) Report(id endpoint.ID, now time.Time) {
	d.mu.Lock()
	w, ok := d.windows[id.Key()]
	if !ok {
		w = newArrivalWindow(d.windowSz)
		d.windows[id.Key()] = w
	}
	if !w.lastArrive.IsZero() {
		interval := float64(now.Sub(w.lastArrive))
		if interval > 0 {
			w.add(interval)
		}
	}
	w.lastArrive = now
	w.convicted = false
	d.mu.Unlock()
}

// Interpret computes the current φ for id and, if it crosses the threshold
// for the first time since the last report, invokes each listener's Convict
// exactly once (spec.md §4.2). Listeners are invoked outside the lock.
func (d *Detector) Interpret(id endpoint.ID, now time.Time) float64 {
	d.mu.Lock()
	w, ok := d.windows[id.Key()]
	if !ok {
		d.mu.Unlock()
		return 0
	}
	phi := w.phi(now)
	d.phiGauge.WithLabelValues(id.String()).Set(phi)
	shouldConvict := phi > d.threshold && !w.convicted
	if shouldConvict {
		w.convicted = true
	}
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()

	if shouldConvict {
		d.convictions.Inc()
		level.Warn(d.logger).Log("msg", "failure detector conviction", "endpoint", id.String(), "phi", phi)
		for _, l := range listeners {
			l.Convict(id, phi)
		}
	}
	return phi
}

// Remove discards history for id (spec.md §4.2).
func (d *Detector) Remove(id endpoint.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.windows, id.Key())
}

// ForceConviction emits a conviction regardless of φ, used for shutdown
// (spec.md §4.2).
func (d *Detector) ForceConviction(id endpoint.ID) {
	d.mu.Lock()
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()

	d.convictions.Inc()
	level.Info(d.logger).Log("msg", "forced conviction", "endpoint", id.String())
	for _, l := range listeners {
		l.Convict(id, math.Inf(1))
	}
}

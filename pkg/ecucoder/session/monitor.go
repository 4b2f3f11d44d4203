package session

import (
	"sync"
	"time"

	"github.com/bimmercode/ecucoder/models"
)

// monitorWindow is the number of recent round trips the link monitor keeps.
const monitorWindow = 64

// Monitor samples diagnostic round trips and derives the link quality fed to
// the safety gate. It is wired as the uds client observer, so every request
// the session makes contributes a sample.
type Monitor struct {
	mu      sync.Mutex
	latency [monitorWindow]float64 // ms, successful round trips only
	failed  [monitorWindow]bool
	next    int
	count   int
}

// NewMonitor returns an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Observe records one round trip.
func (m *Monitor) Observe(d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failed[m.next] = err != nil
	m.latency[m.next] = float64(d.Microseconds()) / 1000.0
	m.next = (m.next + 1) % monitorWindow
	if m.count < monitorWindow {
		m.count++
	}
}

// Snapshot reports the link quality over the sampled window: mean latency of
// successful round trips and the failure fraction. An empty window reports
// zero quality figures, which the safety gate treats as healthy; callers
// should sample the link (e.g. read the VIN) before preflighting.
func (m *Monitor) Snapshot() models.LinkQuality {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count == 0 {
		return models.LinkQuality{}
	}

	var sum float64
	ok, failed := 0, 0
	for i := 0; i < m.count; i++ {
		if m.failed[i] {
			failed++
			continue
		}
		sum += m.latency[i]
		ok++
	}

	var q models.LinkQuality
	if ok > 0 {
		q.LatencyMs = sum / float64(ok)
	}
	q.PacketLoss = float64(failed) / float64(m.count)
	return q
}

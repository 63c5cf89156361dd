package core

import (
	"sync"
	"time"

	"github.com/spaghettifunk/holostream/engine/containers"
)

const AVG_COUNT int = 30

// FrameMetrics keeps the per-session frame counters. Safe for concurrent use,
// the render loop writes while the CLI may read at shutdown.
type FrameMetrics struct {
	mu sync.Mutex

	frameTimes *containers.RingQueue[time.Duration]

	presented  uint64
	dropped    uint64
	recoveries uint64
	skipped    uint64

	accumulated time.Duration
	framesInSec int32
	fps         float64
}

type MetricsSnapshot struct {
	Presented      uint64
	Dropped        uint64
	Recoveries     uint64
	SkippedCameras uint64
	FPS            float64
	AvgFrameTime   time.Duration
}

func NewFrameMetrics() *FrameMetrics {
	return &FrameMetrics{
		frameTimes: containers.NewRingQueue[time.Duration](AVG_COUNT),
	}
}

// FrameCompleted records the duration of a frame that reached Present.
func (m *FrameMetrics) FrameCompleted(elapsed time.Duration, presented bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frameTimes.Push(elapsed)
	if presented {
		m.presented++
	} else {
		m.dropped++
	}

	m.accumulated += elapsed
	m.framesInSec++
	if m.accumulated > time.Second {
		m.fps = float64(m.framesInSec) / m.accumulated.Seconds()
		m.accumulated = 0
		m.framesInSec = 0
	}
}

func (m *FrameMetrics) DeviceRecovered() {
	m.mu.Lock()
	m.recoveries++
	m.mu.Unlock()
}

// CameraSkipped counts cameras left out of a frame because their pose
// could not be resolved.
func (m *FrameMetrics) CameraSkipped() {
	m.mu.Lock()
	m.skipped++
	m.mu.Unlock()
}

func (m *FrameMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total time.Duration
	m.frameTimes.Each(func(d time.Duration) { total += d })
	var avg time.Duration
	if n := m.frameTimes.Len(); n > 0 {
		avg = total / time.Duration(n)
	}
	return MetricsSnapshot{
		Presented:      m.presented,
		Dropped:        m.dropped,
		Recoveries:     m.recoveries,
		SkippedCameras: m.skipped,
		FPS:            m.fps,
		AvgFrameTime:   avg,
	}
}

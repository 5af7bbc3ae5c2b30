package reconstruction

import (
	"sort"
	"time"

	"github.com/montanaflynn/stats"
)

// Pipeline stages timed by the controller.
const (
	StageInput       = "input"
	StageReference   = "reference_pyramid"
	StageTracking    = "tracking"
	StageStreaming   = "volume_streaming"
	StageIntegration = "integration"
	StageRaycast     = "raycast"
	StageFrame       = "frame"
)

// StageStatistics summarizes the durations of one stage.
type StageStatistics struct {
	Samples int
	Mean    time.Duration
	P95     time.Duration
	Max     time.Duration
}

// Statistics is a snapshot of the rolling frame timings.
type Statistics struct {
	Stages map[string]StageStatistics
}

// StageNames returns the timed stages in name order.
func (s Statistics) StageNames() []string {
	names := make([]string, 0, len(s.Stages))
	for name := range s.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// timings collects per-stage durations in milliseconds.
type timings struct {
	samples map[string][]float64
}

func newTimings() *timings {
	return &timings{samples: map[string][]float64{}}
}

func (t *timings) add(stage string, d time.Duration) {
	t.samples[stage] = append(t.samples[stage], float64(d)/float64(time.Millisecond))
}

func (t *timings) clear() {
	clear(t.samples)
}

func millis(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond))
}

func (t *timings) summarize() Statistics {
	out := Statistics{Stages: make(map[string]StageStatistics, len(t.samples))}
	for stage, samples := range t.samples {
		data := stats.Float64Data(samples)
		mean, err := data.Mean()
		if err != nil {
			continue
		}
		p95, err := data.Percentile(95)
		if err != nil {
			continue
		}
		maxV, err := data.Max()
		if err != nil {
			continue
		}
		out.Stages[stage] = StageStatistics{
			Samples: len(samples),
			Mean:    millis(mean),
			P95:     millis(p95),
			Max:     millis(maxV),
		}
	}
	return out
}

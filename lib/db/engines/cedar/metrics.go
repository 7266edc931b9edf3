package cedar

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// mapMetrics are the counters of one map. Every map owns a metrics.Set so
// that several maps can live in one process.
type mapMetrics struct {
	set *metrics.Set

	gets          *metrics.Counter
	misses        *metrics.Counter
	puts          *metrics.Counter
	removes       *metrics.Counter
	relocations   *metrics.Counter
	tiersAdded    *metrics.Counter
	bloatExceeded *metrics.Counter
	swept         *metrics.Counter
	updateTime    *metrics.Histogram
}

func newMapMetrics(m *Map) *mapMetrics {
	name := m.opts.Name
	if name == "" {
		name = "cedar"
	}
	label := func(metric string) string {
		return fmt.Sprintf("%s{map=%q}", metric, name)
	}

	set := metrics.NewSet()
	mm := &mapMetrics{
		set:           set,
		gets:          set.NewCounter(label("cedar_gets_total")),
		misses:        set.NewCounter(label("cedar_misses_total")),
		puts:          set.NewCounter(label("cedar_puts_total")),
		removes:       set.NewCounter(label("cedar_removes_total")),
		relocations:   set.NewCounter(label("cedar_relocations_total")),
		tiersAdded:    set.NewCounter(label("cedar_tiers_added_total")),
		bloatExceeded: set.NewCounter(label("cedar_bloat_exceeded_total")),
		swept:         set.NewCounter(label("cedar_tombstones_swept_total")),
		updateTime:    set.NewHistogram(label("cedar_update_duration_seconds")),
	}

	// gauges read the region directly and report 0 once the map is closed
	set.NewGauge(label("cedar_entries"), func() float64 {
		return float64(m.Len())
	})
	set.NewGauge(label("cedar_tiers"), func() float64 {
		if m.enter() != nil {
			return 0
		}
		defer m.leave()
		return float64(m.region.AllocatedTiers())
	})
	set.NewGauge(label("cedar_mapped_bytes"), func() float64 {
		if m.enter() != nil {
			return 0
		}
		defer m.leave()
		return float64(m.region.MappedBytes())
	})
	return mm
}

func (mm *mapMetrics) observeRead(found bool) {
	mm.gets.Inc()
	if !found {
		mm.misses.Inc()
	}
}

func (mm *mapMetrics) observeUpdate(res Result, start time.Time) {
	switch res.Applied {
	case OpPut:
		mm.puts.Inc()
	case OpRemove:
		mm.removes.Inc()
	}
	if res.Relocated {
		mm.relocations.Inc()
	}
	mm.updateTime.UpdateDuration(start)
}

// WritePrometheus writes the metrics of the map in Prometheus text format.
func (m *Map) WritePrometheus(w io.Writer) {
	m.metrics.set.WritePrometheus(w)
}

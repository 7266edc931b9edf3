package util

import (
	"math"
	"sync"
	"testing"
)

func TestNewStats(t *testing.T) {
	s := NewStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if s.Mean != 5 {
		t.Errorf("expected mean 5, got %v", s.Mean)
	}
	if s.StdDeviation != 2 {
		t.Errorf("expected std deviation 2, got %v", s.StdDeviation)
	}
	if s.Min != 2 || s.Max != 9 {
		t.Errorf("expected min 2 and max 9, got %v and %v", s.Min, s.Max)
	}
	if math.Abs(s.MinMaxRatio-2.0/9.0) > 1e-9 {
		t.Errorf("unexpected min/max ratio %v", s.MinMaxRatio)
	}

	if empty := NewStats(nil); empty != (Stats{}) {
		t.Errorf("expected zero stats for no samples, got %+v", empty)
	}
}

func TestDistributionQuality(t *testing.T) {
	even := NewDistributionStats([]float64{10, 10, 10, 10})
	if even.DistributionQuality != 1 {
		t.Errorf("expected perfect quality for equal samples, got %v", even.DistributionQuality)
	}

	skewed := NewDistributionStats([]float64{0, 0, 0, 40})
	if skewed.DistributionQuality >= even.DistributionQuality {
		t.Errorf("skewed samples should rate worse: %v", skewed.DistributionQuality)
	}
}

func TestSizeHistogram(t *testing.T) {
	h := NewSizeHistogram()
	if h.MedianEstimate() != 0 || h.AverageSize() != 0 {
		t.Error("empty histogram should report zero")
	}

	for i := 0; i < 90; i++ {
		h.AddSample(10) // bucket <= 16
	}
	for i := 0; i < 10; i++ {
		h.AddSample(1000) // bucket <= 1024
	}

	if h.GetCount() != 100 {
		t.Errorf("expected 100 samples, got %d", h.GetCount())
	}
	if h.AverageSize() != 109 {
		t.Errorf("expected average 109, got %d", h.AverageSize())
	}
	if got := h.MedianEstimate(); got != 8 {
		t.Errorf("expected median estimate 8, got %d", got)
	}
	if got := h.GetPercentileEstimate(95); got != (256+1024)/2 {
		t.Errorf("expected p95 estimate %d, got %d", (256+1024)/2, got)
	}
	if got := h.GetPercentileEstimate(101); got != 0 {
		t.Errorf("invalid percentile should return 0, got %d", got)
	}

	_, shares := h.SizeDistribution()
	if shares[0] != 90 || shares[3] != 10 {
		t.Errorf("unexpected distribution %v", shares)
	}

	h.Reset()
	if h.GetCount() != 0 {
		t.Error("reset should clear all samples")
	}
}

func TestSizeHistogramOverflowBucket(t *testing.T) {
	h := NewSizeHistogram()
	h.AddSample(math.MaxInt32 * 4)

	if got := h.GetPercentileEstimate(100); got != sizeBoundaries[len(sizeBoundaries)-1]*2 {
		t.Errorf("unexpected overflow estimate %d", got)
	}
}

func TestSizeHistogramMerge(t *testing.T) {
	total := NewSizeHistogram()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := NewSizeHistogram()
			for i := 0; i < 250; i++ {
				local.AddSample(100)
			}
			total.Merge(local)
		}()
	}
	wg.Wait()

	if total.GetCount() != 1000 {
		t.Errorf("expected 1000 merged samples, got %d", total.GetCount())
	}
	if total.AverageSize() != 100 {
		t.Errorf("expected average 100, got %d", total.AverageSize())
	}
}

package models

// ConfidenceStats aggregates per-block confidence scores (percent scale)
// reported by the text detection service.
type ConfidenceStats struct {
	Average  float64        `json:"average_confidence"`
	Min      float64        `json:"min_confidence"`
	Max      float64        `json:"max_confidence"`
	LowCount int            `json:"low_confidence_count"`
	Total    int            `json:"total_blocks"`
	Buckets  map[string]int `json:"confidence_distribution,omitempty"`
}

// NewConfidenceStats computes aggregate statistics over percent-scale block
// confidences. lowThreshold marks the boundary below which a block counts as
// low confidence. An empty score set yields zero stats.
func NewConfidenceStats(scores []float64, lowThreshold float64) ConfidenceStats {
	if len(scores) == 0 {
		return ConfidenceStats{}
	}

	stats := ConfidenceStats{
		Min:     scores[0],
		Max:     scores[0],
		Total:   len(scores),
		Buckets: newBucketMap(),
	}

	sum := 0.0
	for _, score := range scores {
		sum += score
		if score < stats.Min {
			stats.Min = score
		}
		if score > stats.Max {
			stats.Max = score
		}
		if score < lowThreshold {
			stats.LowCount++
		}
		stats.Buckets[bucketFor(score)]++
	}
	stats.Average = sum / float64(len(scores))
	return stats
}

// HighQuality reports whether the aggregate clears both gates: average
// confidence at or above minAverage and a low-confidence ratio strictly
// below maxLowRatio.
func (s ConfidenceStats) HighQuality(minAverage, maxLowRatio float64) bool {
	if s.Total == 0 {
		return false
	}
	lowRatio := float64(s.LowCount) / float64(s.Total)
	return s.Average >= minAverage && lowRatio < maxLowRatio
}

// LowRatio is the share of blocks below the low-confidence threshold.
func (s ConfidenceStats) LowRatio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.LowCount) / float64(s.Total)
}

func newBucketMap() map[string]int {
	return map[string]int{
		"0-50":   0,
		"50-70":  0,
		"70-80":  0,
		"80-90":  0,
		"90-95":  0,
		"95-100": 0,
	}
}

func bucketFor(score float64) string {
	switch {
	case score < 50:
		return "0-50"
	case score < 70:
		return "50-70"
	case score < 80:
		return "70-80"
	case score < 90:
		return "80-90"
	case score < 95:
		return "90-95"
	default:
		return "95-100"
	}
}

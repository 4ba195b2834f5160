package domain

import (
	"fmt"
	"math"
	"strconv"
)

const (
	// AutoMatchConfidence must be strictly exceeded for automatic note creation.
	AutoMatchConfidence = 0.75
	// AutoQualityScore is the minimum quality for automatic note creation.
	AutoQualityScore = 85.0
)

type Route string

const (
	RouteAuto   Route = "auto"
	RouteReview Route = "review"
)

type Decision struct {
	Route  Route
	Reason string
}

// Decide routes an extracted file. A weak client match is reported ahead of
// low quality when both fail.
func Decide(matchConfidence, quality float64) Decision {
	if matchConfidence > AutoMatchConfidence && quality >= AutoQualityScore {
		return Decision{Route: RouteAuto}
	}
	if matchConfidence <= AutoMatchConfidence {
		return Decision{Route: RouteReview, Reason: LowMatchReason(matchConfidence)}
	}
	return Decision{Route: RouteReview, Reason: LowQualityReason(quality)}
}

func LowMatchReason(matchConfidence float64) string {
	return fmt.Sprintf("Low confidence client match (%d%%)", int(math.Round(matchConfidence*100)))
}

func LowQualityReason(quality float64) string {
	return fmt.Sprintf("Low processing quality (%s%%)", strconv.FormatFloat(quality, 'f', -1, 64))
}

// Normalize clamps extractor scores into their documented ranges.
func (e *Extraction) Normalize() {
	e.MatchConfidence = clamp(e.MatchConfidence, 0, 1)
	e.DateConfidence = clamp(e.DateConfidence, 0, 1)
	e.QualityScore = clamp(e.QualityScore, 0, 100)
	if e.Themes == nil {
		e.Themes = []string{}
	}
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v):
		return lo
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

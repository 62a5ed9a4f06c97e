package matching

import (
	"math"
	"strings"
	"time"

	"dispatch/internal/clock"
	"dispatch/internal/config"
	"dispatch/internal/model"
)

// Scorer converts a candidate and a request into a weighted score, a
// confidence value, and a human-readable justification.
type Scorer struct {
	weights     config.Weights
	maxRadiusKm float64
	avgSpeedKmh float64
	clock       clock.Clock
}

func NewScorer(cfg config.Matching, c clock.Clock) *Scorer {
	return &Scorer{
		weights:     cfg.Weights,
		maxRadiusKm: cfg.MaxSearchRadiusKm,
		avgSpeedKmh: cfg.AverageSpeedKmh,
		clock:       c,
	}
}

func (s *Scorer) Score(c model.MatchCandidate, req model.DeliveryRequest) model.MatchScore {
	rating := c.Rating
	if rating <= 0 {
		rating = DefaultRating
	}

	distanceScore := math.Max(0, 1-c.DistanceKm/s.maxRadiusKm)
	ratingScore := math.Min(1, rating/5)
	experienceScore := math.Min(1, float64(c.CompletedDeliveries)/100)
	availabilityScore := 0.0
	if c.Status == model.DriverOnline {
		availabilityScore = 1.0
	}

	base := distanceScore*s.weights.Distance +
		ratingScore*s.weights.Rating +
		experienceScore*s.weights.Experience +
		availabilityScore*s.weights.Availability
	score := round2(base * req.Priority.Multiplier())

	confidence := (distanceScore + ratingScore + experienceScore) / 3
	if c.DistanceKm > 5 {
		confidence *= 0.8
	}
	if rating < 3.5 {
		confidence *= 0.7
	}
	if c.CompletedDeliveries < 10 {
		confidence *= 0.9
	}
	if s.clock.Now().Sub(c.LastUpdated) > 10*time.Minute {
		confidence *= 0.8
	}
	confidence = round2(math.Min(1, math.Max(0, confidence)))

	return model.MatchScore{
		Candidate:               c,
		Score:                   score,
		Confidence:              confidence,
		Reasoning:               s.reasoning(c, rating),
		EstimatedArrivalMinutes: s.etaMinutes(c.DistanceKm),
	}
}

func (s *Scorer) reasoning(c model.MatchCandidate, rating float64) string {
	var bands []string
	switch {
	case c.DistanceKm <= 1:
		bands = append(bands, "very close")
	case c.DistanceKm <= 3:
		bands = append(bands, "close by")
	}
	switch {
	case rating >= 4.5:
		bands = append(bands, "high rating")
	case rating >= 4.0:
		bands = append(bands, "good rating")
	}
	switch {
	case c.CompletedDeliveries >= 100:
		bands = append(bands, "extensive delivery experience")
	case c.CompletedDeliveries >= 50:
		bands = append(bands, "experienced")
	}
	if c.Status == model.DriverOnline {
		bands = append(bands, "currently active")
	}
	if len(bands) == 0 {
		return "available driver in range"
	}
	return strings.Join(bands, ", ")
}

// etaMinutes is a constant-speed estimate clamped to [5, 60] minutes.
func (s *Scorer) etaMinutes(distanceKm float64) int {
	eta := int(math.Round(distanceKm / s.avgSpeedKmh * 60))
	if eta < 5 {
		eta = 5
	}
	if eta > 60 {
		eta = 60
	}
	return eta
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

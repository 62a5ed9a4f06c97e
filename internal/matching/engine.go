package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"dispatch/internal/clock"
	"dispatch/internal/config"
	"dispatch/internal/geo"
	"dispatch/internal/model"
	"dispatch/internal/store"
)

// Engine is the read-only matching facade: it finds, scores, and
// eligibility-checks drivers but never mutates requests or assignments.
type Engine struct {
	finder *Finder
	scorer *Scorer
	store  store.Store
	clock  clock.Clock
	cfg    config.Matching
}

func NewEngine(f *Finder, sc *Scorer, s store.Store, c clock.Clock, cfg config.Matching) *Engine {
	return &Engine{finder: f, scorer: sc, store: s, clock: c, cfg: cfg}
}

// FindBestMatch resolves one candidate for the request, or nil when no
// driver qualifies. auto_nearest takes the closest fresh online driver;
// auto_optimal takes the highest score but refuses low-confidence picks
// so a marginal match falls back to the caller instead of a bad dispatch.
func (e *Engine) FindBestMatch(ctx context.Context, req model.DeliveryRequest, method model.AssignmentMethod) (*model.MatchScore, error) {
	switch method {
	case model.MethodAutoNearest:
		cands, err := e.onlineCandidates(ctx, req.Pickup, 1)
		if err != nil {
			return nil, err
		}
		if len(cands) == 0 {
			return nil, nil
		}
		ms := e.scorer.Score(cands[0], req)
		return &ms, nil

	case model.MethodAutoOptimal:
		cands, err := e.onlineCandidates(ctx, req.Pickup, 0)
		if err != nil {
			return nil, err
		}
		var best *model.MatchScore
		for _, c := range cands {
			ms := e.scorer.Score(c, req)
			if best == nil || ms.Score > best.Score {
				best = &ms
			}
		}
		if best == nil || best.Confidence < e.cfg.MinOptimalConfidence {
			return nil, nil
		}
		return best, nil

	default:
		return nil, fmt.Errorf("method %q cannot produce a single match: %w", method, model.ErrUnsupportedMethod)
	}
}

// FindCandidates returns up to maxCandidates scored drivers above the
// confidence floor, best score first. Used by broadcast dispatch.
func (e *Engine) FindCandidates(ctx context.Context, req model.DeliveryRequest, limit int) ([]model.MatchScore, error) {
	if limit <= 0 {
		limit = e.cfg.MaxCandidates
	}
	cands, err := e.onlineCandidates(ctx, req.Pickup, 0)
	if err != nil {
		return nil, err
	}
	out := make([]model.MatchScore, 0, len(cands))
	for _, c := range cands {
		ms := e.scorer.Score(c, req)
		if ms.Confidence < e.cfg.MinCandidateScore {
			continue
		}
		out = append(out, ms)
	}
	sortScoresDesc(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ValidateEligibility re-checks one driver at assignment time. The reason
// reported is the first gate that fails, in fixed order: existence,
// status, freshness, range.
func (e *Engine) ValidateEligibility(ctx context.Context, driverID string, pickup model.GeoPoint) (model.Eligibility, error) {
	loc, err := e.store.GetDriverLocation(ctx, driverID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Eligibility{Eligible: false, Reason: "driver location unknown"}, nil
	}
	if err != nil {
		return model.Eligibility{}, err
	}
	if loc.Status != model.DriverOnline {
		return model.Eligibility{Eligible: false, Reason: "driver not online"}, nil
	}
	staleness := time.Duration(e.cfg.StalenessWindowMin) * time.Minute
	if e.clock.Now().Sub(loc.LastUpdated) > staleness {
		return model.Eligibility{Eligible: false, Reason: "stale location"}, nil
	}
	if geo.DistanceKm(pickup, model.GeoPoint{Lat: loc.Lat, Lng: loc.Lng}) > e.cfg.MaxSearchRadiusKm {
		return model.Eligibility{Eligible: false, Reason: "driver too far from pickup"}, nil
	}
	return model.Eligibility{Eligible: true}, nil
}

func (e *Engine) onlineCandidates(ctx context.Context, center model.GeoPoint, limit int) ([]model.MatchCandidate, error) {
	return e.finder.Find(ctx, center, e.cfg.MaxSearchRadiusKm, []model.DriverStatus{model.DriverOnline}, limit, SortByDistance)
}

// sortScoresDesc orders best score first; the stable sort keeps
// equal-score candidates in the finder's distance order.
func sortScoresDesc(scores []model.MatchScore) {
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
}

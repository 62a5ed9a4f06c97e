// Package locations owns the last-known driver position, online/offline
// transitions, and the append-only location history.
package locations

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/clock"
	"dispatch/internal/geo"
	"dispatch/internal/model"
	"dispatch/internal/store"
)

// GeoIndex mirrors working-driver positions into an optional spatial
// index (Redis GEO). Index failures never fail a location push.
type GeoIndex interface {
	Add(ctx context.Context, driverID string, p model.GeoPoint) error
	Remove(ctx context.Context, driverID string) error
}

type Service struct {
	store store.Store
	clock clock.Clock
	index GeoIndex // optional
}

func NewService(s store.Store, c clock.Clock, index GeoIndex) *Service {
	return &Service{store: s, clock: c, index: index}
}

// Update is one driver location push.
type Update struct {
	DriverID   string
	Lat        float64
	Lng        float64
	Status     model.DriverStatus
	AccuracyM  *float64
	SpeedKmh   *float64
	BearingDeg *float64
	AltitudeM  *float64
}

// UpdateLocation upserts the driver record and appends a history sample.
// The onlineSince stamp is set on the transition into online and cleared
// on the transition to offline; busy preserves it.
func (s *Service) UpdateLocation(ctx context.Context, u Update) (model.DriverLocation, error) {
	if !geo.ValidPoint(model.GeoPoint{Lat: u.Lat, Lng: u.Lng}) {
		return model.DriverLocation{}, fmt.Errorf("coordinates out of range (%f, %f): %w", u.Lat, u.Lng, model.ErrValidation)
	}
	if !u.Status.Valid() {
		return model.DriverLocation{}, fmt.Errorf("unknown driver status %q: %w", u.Status, model.ErrValidation)
	}

	now := s.clock.Now()
	prev, err := s.store.GetDriverLocation(ctx, u.DriverID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return model.DriverLocation{}, err
	}
	loc := model.DriverLocation{
		DriverID:    u.DriverID,
		Lat:         u.Lat,
		Lng:         u.Lng,
		Status:      u.Status,
		AccuracyM:   u.AccuracyM,
		SpeedKmh:    u.SpeedKmh,
		BearingDeg:  u.BearingDeg,
		AltitudeM:   u.AltitudeM,
		LastUpdated: now,
		OnlineSince: nextOnlineSince(prev, u.Status, now),
	}
	sample := model.LocationSample{
		ID:         uuid.New().String(),
		DriverID:   u.DriverID,
		Lat:        u.Lat,
		Lng:        u.Lng,
		Status:     u.Status,
		SpeedKmh:   u.SpeedKmh,
		RecordedAt: now,
	}
	if err := s.store.SaveDriverLocation(ctx, loc, sample); err != nil {
		return model.DriverLocation{}, err
	}
	s.syncIndex(ctx, loc)
	return loc, nil
}

// UpdateStatus changes status only; the driver must already have a record.
func (s *Service) UpdateStatus(ctx context.Context, driverID string, status model.DriverStatus) (model.DriverLocation, error) {
	if !status.Valid() {
		return model.DriverLocation{}, fmt.Errorf("unknown driver status %q: %w", status, model.ErrValidation)
	}
	prev, err := s.store.GetDriverLocation(ctx, driverID)
	if err != nil {
		return model.DriverLocation{}, err
	}

	now := s.clock.Now()
	loc := prev
	loc.Status = status
	loc.LastUpdated = now
	loc.OnlineSince = nextOnlineSince(prev, status, now)

	sample := model.LocationSample{
		ID:         uuid.New().String(),
		DriverID:   driverID,
		Lat:        prev.Lat,
		Lng:        prev.Lng,
		Status:     status,
		SpeedKmh:   prev.SpeedKmh,
		RecordedAt: now,
	}
	if err := s.store.SaveDriverLocation(ctx, loc, sample); err != nil {
		return model.DriverLocation{}, err
	}
	s.syncIndex(ctx, loc)
	return loc, nil
}

func (s *Service) Get(ctx context.Context, driverID string) (model.DriverLocation, error) {
	return s.store.GetDriverLocation(ctx, driverID)
}

// ActivityStats derives online time, distance travelled, and average
// reported speed from the history window. History read failures yield
// zeroed stats rather than an error; the numbers are advisory.
func (s *Service) ActivityStats(ctx context.Context, driverID string, window time.Duration) (model.ActivityStats, error) {
	loc, err := s.store.GetDriverLocation(ctx, driverID)
	if err != nil {
		return model.ActivityStats{}, err
	}
	now := s.clock.Now()
	stats := model.ActivityStats{
		DriverID:      driverID,
		CurrentStatus: loc.Status,
	}
	t := loc.LastUpdated
	stats.LastActivity = &t

	samples, err := s.store.ListLocationSamples(ctx, driverID, now.Add(-window), now)
	if err != nil {
		log.Printf("locations: history scan for %s failed: %v", driverID, err)
		return stats, nil
	}

	var online time.Duration
	var intervalStart *time.Time
	for i, sm := range samples {
		if sm.Status.Working() {
			if intervalStart == nil {
				ts := sm.RecordedAt
				intervalStart = &ts
			}
		} else if intervalStart != nil {
			online += sm.RecordedAt.Sub(*intervalStart)
			intervalStart = nil
		}
		if i > 0 {
			stats.TotalDistanceKm += geo.DistanceKm(
				model.GeoPoint{Lat: samples[i-1].Lat, Lng: samples[i-1].Lng},
				model.GeoPoint{Lat: sm.Lat, Lng: sm.Lng},
			)
		}
	}
	// Still online at the end of history: the interval closes at "now".
	if intervalStart != nil {
		online += now.Sub(*intervalStart)
	}
	stats.OnlineMinutes = online.Minutes()

	var speedSum float64
	var speedN int
	for _, sm := range samples {
		if sm.SpeedKmh != nil {
			speedSum += *sm.SpeedKmh
			speedN++
		}
	}
	if speedN > 0 {
		stats.AverageSpeedKmh = speedSum / float64(speedN)
	}
	return stats, nil
}

func nextOnlineSince(prev model.DriverLocation, status model.DriverStatus, now time.Time) *time.Time {
	switch {
	case status == model.DriverOffline:
		return nil
	case status == model.DriverOnline && prev.Status != model.DriverOnline:
		t := now
		return &t
	default:
		return prev.OnlineSince
	}
}

func (s *Service) syncIndex(ctx context.Context, loc model.DriverLocation) {
	if s.index == nil {
		return
	}
	var err error
	if loc.Status.Working() {
		err = s.index.Add(ctx, loc.DriverID, model.GeoPoint{Lat: loc.Lat, Lng: loc.Lng})
	} else {
		err = s.index.Remove(ctx, loc.DriverID)
	}
	if err != nil {
		log.Printf("locations: geo index sync for %s failed: %v", loc.DriverID, err)
	}
}

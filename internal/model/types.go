package model

import "time"

// Core domain types for the matching and assignment engine.

// DriverStatus is the operational state a driver reports with each
// location push.
type DriverStatus string

const (
	DriverOffline     DriverStatus = "offline"
	DriverOnline      DriverStatus = "online"
	DriverBusy        DriverStatus = "busy"
	DriverBreak       DriverStatus = "break"
	DriverUnavailable DriverStatus = "unavailable"
)

func (s DriverStatus) Valid() bool {
	switch s {
	case DriverOffline, DriverOnline, DriverBusy, DriverBreak, DriverUnavailable:
		return true
	}
	return false
}

// Working reports whether the driver is counted as on the clock for
// online-time accounting.
func (s DriverStatus) Working() bool { return s == DriverOnline || s == DriverBusy }

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DriverLocation is the single last-known record per driver. Upsert
// semantics: overwritten by every push, never deleted.
type DriverLocation struct {
	DriverID    string       `json:"driverId"`
	Lat         float64      `json:"lat"`
	Lng         float64      `json:"lng"`
	Status      DriverStatus `json:"status"`
	AccuracyM   *float64     `json:"accuracyM,omitempty"`
	SpeedKmh    *float64     `json:"speedKmh,omitempty"`
	BearingDeg  *float64     `json:"bearingDeg,omitempty"`
	AltitudeM   *float64     `json:"altitudeM,omitempty"`
	LastUpdated time.Time    `json:"lastUpdated"`
	// OnlineSince is set on the transition into online and cleared on
	// the transition to offline.
	OnlineSince *time.Time `json:"onlineSince,omitempty"`
}

// LocationSample is one append-only history row per location push.
type LocationSample struct {
	ID         string       `json:"id"`
	DriverID   string       `json:"driverId"`
	Lat        float64      `json:"lat"`
	Lng        float64      `json:"lng"`
	Status     DriverStatus `json:"status"`
	SpeedKmh   *float64     `json:"speedKmh,omitempty"`
	RecordedAt time.Time    `json:"recordedAt"`
}

// DriverProfile carries the scoring inputs that live outside the
// location record.
type DriverProfile struct {
	DriverID            string  `json:"driverId"`
	Rating              float64 `json:"rating"`
	CompletedDeliveries int     `json:"completedDeliveries"`
}

// ActivityStats is derived from the location history over a window.
type ActivityStats struct {
	DriverID        string       `json:"driverId"`
	OnlineMinutes   float64      `json:"onlineMinutes"`
	TotalDistanceKm float64      `json:"totalDistanceKm"`
	AverageSpeedKmh float64      `json:"averageSpeedKmh"`
	LastActivity    *time.Time   `json:"lastActivity,omitempty"`
	CurrentStatus   DriverStatus `json:"currentStatus"`
}

type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestAssigned   RequestStatus = "assigned"
	RequestAccepted   RequestStatus = "accepted"
	RequestPickedUp   RequestStatus = "picked_up"
	RequestDelivering RequestStatus = "delivering"
	RequestDelivered  RequestStatus = "delivered"
	RequestCancelled  RequestStatus = "cancelled"
	RequestFailed     RequestStatus = "failed"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestAssigned, RequestAccepted, RequestPickedUp,
		RequestDelivering, RequestDelivered, RequestCancelled, RequestFailed:
		return true
	}
	return false
}

// Terminal reports whether the request can never leave this status.
func (s RequestStatus) Terminal() bool {
	return s == RequestDelivered || s == RequestCancelled || s == RequestFailed
}

// CarriesDriver reports whether assignedDriverId must be set in this status.
func (s RequestStatus) CarriesDriver() bool {
	switch s {
	case RequestAccepted, RequestPickedUp, RequestDelivering, RequestDelivered:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Multiplier scales a match score by request urgency.
func (p Priority) Multiplier() float64 {
	switch p {
	case PriorityUrgent:
		return 1.5
	case PriorityHigh:
		return 1.2
	case PriorityLow:
		return 0.8
	default:
		return 1.0
	}
}

// DeliveryRequest is the coarse-grained unit of work. Exactly one
// non-terminal request may exist per orderId at a time.
type DeliveryRequest struct {
	ID               string        `json:"id"`
	OrderID          string        `json:"orderId"`
	Pickup           GeoPoint      `json:"pickup"`
	Dropoff          GeoPoint      `json:"dropoff"`
	Status           RequestStatus `json:"status"`
	Priority         Priority      `json:"priority"`
	AssignedDriverID *string       `json:"assignedDriverId,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	AssignedAt       *time.Time    `json:"assignedAt,omitempty"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
}

type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentAccepted  AssignmentStatus = "accepted"
	AssignmentRejected  AssignmentStatus = "rejected"
	AssignmentExpired   AssignmentStatus = "expired"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// Terminal reports whether the attempt has settled. Every status other
// than assigned is terminal.
func (s AssignmentStatus) Terminal() bool { return s != AssignmentAssigned }

type AssignmentMethod string

const (
	MethodManual      AssignmentMethod = "manual"
	MethodAutoNearest AssignmentMethod = "auto_nearest"
	MethodAutoOptimal AssignmentMethod = "auto_optimal"
	MethodBroadcast   AssignmentMethod = "broadcast"
)

func (m AssignmentMethod) Valid() bool {
	switch m {
	case MethodManual, MethodAutoNearest, MethodAutoOptimal, MethodBroadcast:
		return true
	}
	return false
}

// Assignment is one driver's outstanding offer for one delivery request.
// Multiple live attempts per request exist only under broadcast.
type Assignment struct {
	ID            string           `json:"id"`
	RequestID     string           `json:"requestId"`
	DriverID      string           `json:"driverId"`
	Status        AssignmentStatus `json:"status"`
	Method        AssignmentMethod `json:"method"`
	AttemptNumber int              `json:"attemptNumber"`
	Note          string           `json:"note,omitempty"`
	AssignedAt    time.Time        `json:"assignedAt"`
	ExpiresAt     time.Time        `json:"expiresAt"`
	RespondedAt   *time.Time       `json:"respondedAt,omitempty"`
}

type ResponseType string

const (
	ResponseAccept  ResponseType = "accept"
	ResponseReject  ResponseType = "reject"
	ResponseTimeout ResponseType = "timeout"
)

func (r ResponseType) Valid() bool {
	return r == ResponseAccept || r == ResponseReject || r == ResponseTimeout
}

// DriverResponse is the immutable audit record of one driver decision.
// EstimatedPickupMinutes is the driver's own estimate sent with an
// accept; zero means none was given.
type DriverResponse struct {
	ID                     string       `json:"id"`
	AssignmentID           string       `json:"assignmentId"`
	DriverID               string       `json:"driverId"`
	ResponseType           ResponseType `json:"responseType"`
	ResponseTimeSeconds    float64      `json:"responseTimeSeconds"`
	Message                string       `json:"message,omitempty"`
	EstimatedPickupMinutes int          `json:"estimatedPickupMinutes,omitempty"`
	RespondedAt            time.Time    `json:"respondedAt"`
}

// MatchCandidate is the ephemeral joined view of a driver considered for
// a request. Populated at the persistence boundary, never persisted.
type MatchCandidate struct {
	DriverID            string       `json:"driverId"`
	DistanceKm          float64      `json:"distanceKm"`
	Rating              float64      `json:"rating"`
	CompletedDeliveries int          `json:"completedDeliveries"`
	Status              DriverStatus `json:"status"`
	LastUpdated         time.Time    `json:"lastUpdated"`
}

// MatchScore is the scorer output for one candidate.
type MatchScore struct {
	Candidate               MatchCandidate `json:"candidate"`
	Score                   float64        `json:"score"`
	Confidence              float64        `json:"confidence"`
	Reasoning               string         `json:"reasoning"`
	EstimatedArrivalMinutes int            `json:"estimatedArrivalMinutes"`
}

// Eligibility is the re-check result at assignment time.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// Subscription is a webhook receiver for engine events.
type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dispatch/internal/model"
)

// Postgres implements Store on PostgreSQL via the pgx stdlib driver.
// Every CAS is a conditional UPDATE guarded by the expected status;
// AcceptAssignment runs inside one transaction so the accept and the
// sibling cancellations commit together or not at all.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS driver_locations (
    driver_id    TEXT PRIMARY KEY,
    lat          DOUBLE PRECISION NOT NULL,
    lng          DOUBLE PRECISION NOT NULL,
    status       TEXT NOT NULL,
    accuracy_m   DOUBLE PRECISION,
    speed_kmh    DOUBLE PRECISION,
    bearing_deg  DOUBLE PRECISION,
    altitude_m   DOUBLE PRECISION,
    last_updated TIMESTAMPTZ NOT NULL,
    online_since TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS driver_location_history (
    id          UUID PRIMARY KEY,
    driver_id   TEXT NOT NULL,
    lat         DOUBLE PRECISION NOT NULL,
    lng         DOUBLE PRECISION NOT NULL,
    status      TEXT NOT NULL,
    speed_kmh   DOUBLE PRECISION,
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_location_history_driver_time
    ON driver_location_history (driver_id, recorded_at);
CREATE TABLE IF NOT EXISTS driver_profiles (
    driver_id            TEXT PRIMARY KEY,
    rating               DOUBLE PRECISION NOT NULL,
    completed_deliveries INT NOT NULL
);
CREATE TABLE IF NOT EXISTS delivery_requests (
    id           UUID PRIMARY KEY,
    order_id     TEXT NOT NULL,
    pickup_lat   DOUBLE PRECISION NOT NULL,
    pickup_lng   DOUBLE PRECISION NOT NULL,
    dropoff_lat  DOUBLE PRECISION NOT NULL,
    dropoff_lng  DOUBLE PRECISION NOT NULL,
    status       TEXT NOT NULL,
    priority     TEXT NOT NULL,
    driver_id    TEXT,
    created_at   TIMESTAMPTZ NOT NULL,
    assigned_at  TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_requests_order ON delivery_requests (order_id);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_request_per_order
    ON delivery_requests (order_id)
    WHERE status NOT IN ('delivered','cancelled','failed');
CREATE TABLE IF NOT EXISTS assignment_attempts (
    id             UUID PRIMARY KEY,
    request_id     UUID NOT NULL,
    driver_id      TEXT NOT NULL,
    status         TEXT NOT NULL,
    method         TEXT NOT NULL,
    attempt_number INT NOT NULL,
    note           TEXT,
    assigned_at    TIMESTAMPTZ NOT NULL,
    expires_at     TIMESTAMPTZ NOT NULL,
    responded_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_attempts_request ON assignment_attempts (request_id);
CREATE INDEX IF NOT EXISTS idx_attempts_expiry ON assignment_attempts (status, expires_at);
CREATE TABLE IF NOT EXISTS driver_responses (
    id            UUID PRIMARY KEY,
    assignment_id UUID NOT NULL,
    driver_id     TEXT NOT NULL,
    response_type TEXT NOT NULL,
    response_secs DOUBLE PRECISION NOT NULL,
    message       TEXT,
    eta_minutes   INT NOT NULL DEFAULT 0,
    responded_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS subscriptions (
    id     UUID PRIMARY KEY,
    url    TEXT NOT NULL,
    events JSONB NOT NULL,
    secret TEXT
);
CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id              UUID PRIMARY KEY,
    subscription_id UUID,
    event_type      TEXT NOT NULL,
    url             TEXT NOT NULL,
    secret          TEXT,
    payload         BYTEA NOT NULL,
    status          TEXT NOT NULL,
    attempts        INT NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_error      TEXT,
    response_code   INT,
    latency_ms      INT,
    delivered_at    TIMESTAMPTZ
);
`

// Migrate applies the embedded schema (dev helper, idempotent).
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) SaveDriverLocation(ctx context.Context, loc model.DriverLocation, sample model.LocationSample) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return infra(err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO driver_locations
        (driver_id, lat, lng, status, accuracy_m, speed_kmh, bearing_deg, altitude_m, last_updated, online_since)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (driver_id) DO UPDATE SET
            lat=EXCLUDED.lat, lng=EXCLUDED.lng, status=EXCLUDED.status,
            accuracy_m=EXCLUDED.accuracy_m, speed_kmh=EXCLUDED.speed_kmh,
            bearing_deg=EXCLUDED.bearing_deg, altitude_m=EXCLUDED.altitude_m,
            last_updated=EXCLUDED.last_updated, online_since=EXCLUDED.online_since`,
		loc.DriverID, loc.Lat, loc.Lng, string(loc.Status),
		loc.AccuracyM, loc.SpeedKmh, loc.BearingDeg, loc.AltitudeM,
		loc.LastUpdated, loc.OnlineSince)
	if err != nil {
		return infra(err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO driver_location_history
        (id, driver_id, lat, lng, status, speed_kmh, recorded_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		sample.ID, sample.DriverID, sample.Lat, sample.Lng, string(sample.Status),
		sample.SpeedKmh, sample.RecordedAt)
	if err != nil {
		return infra(err)
	}
	return infra(tx.Commit())
}

func (p *Postgres) GetDriverLocation(ctx context.Context, driverID string) (model.DriverLocation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT driver_id, lat, lng, status, accuracy_m, speed_kmh,
        bearing_deg, altitude_m, last_updated, online_since
        FROM driver_locations WHERE driver_id=$1`, driverID)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DriverLocation{}, fmt.Errorf("driver %s: %w", driverID, model.ErrNotFound)
	}
	if err != nil {
		return model.DriverLocation{}, infra(err)
	}
	return loc, nil
}

func (p *Postgres) ListDriverLocations(ctx context.Context) ([]model.DriverLocation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT driver_id, lat, lng, status, accuracy_m, speed_kmh,
        bearing_deg, altitude_m, last_updated, online_since
        FROM driver_locations ORDER BY driver_id`)
	if err != nil {
		return nil, infra(err)
	}
	defer rows.Close()
	out := []model.DriverLocation{}
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, infra(err)
		}
		out = append(out, loc)
	}
	return out, infra(rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(r rowScanner) (model.DriverLocation, error) {
	var loc model.DriverLocation
	var status string
	var onlineSince sql.NullTime
	err := r.Scan(&loc.DriverID, &loc.Lat, &loc.Lng, &status, &loc.AccuracyM,
		&loc.SpeedKmh, &loc.BearingDeg, &loc.AltitudeM, &loc.LastUpdated, &onlineSince)
	if err != nil {
		return model.DriverLocation{}, err
	}
	loc.Status = model.DriverStatus(status)
	if onlineSince.Valid {
		t := onlineSince.Time
		loc.OnlineSince = &t
	}
	return loc, nil
}

func (p *Postgres) ListLocationSamples(ctx context.Context, driverID string, since, until time.Time) ([]model.LocationSample, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, driver_id, lat, lng, status, speed_kmh, recorded_at
        FROM driver_location_history
        WHERE driver_id=$1 AND recorded_at >= $2 AND recorded_at <= $3
        ORDER BY recorded_at ASC`, driverID, since, until)
	if err != nil {
		return nil, infra(err)
	}
	defer rows.Close()
	out := []model.LocationSample{}
	for rows.Next() {
		var s model.LocationSample
		var status string
		if err := rows.Scan(&s.ID, &s.DriverID, &s.Lat, &s.Lng, &status, &s.SpeedKmh, &s.RecordedAt); err != nil {
			return nil, infra(err)
		}
		s.Status = model.DriverStatus(status)
		out = append(out, s)
	}
	return out, infra(rows.Err())
}

func (p *Postgres) UpsertDriverProfile(ctx context.Context, pr model.DriverProfile) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_profiles (driver_id, rating, completed_deliveries)
        VALUES ($1,$2,$3)
        ON CONFLICT (driver_id) DO UPDATE SET rating=EXCLUDED.rating, completed_deliveries=EXCLUDED.completed_deliveries`,
		pr.DriverID, pr.Rating, pr.CompletedDeliveries)
	return infra(err)
}

func (p *Postgres) GetDriverProfiles(ctx context.Context, driverIDs []string) (map[string]model.DriverProfile, error) {
	if len(driverIDs) == 0 {
		return map[string]model.DriverProfile{}, nil
	}
	ids, _ := json.Marshal(driverIDs)
	rows, err := p.db.QueryContext(ctx, `SELECT driver_id, rating, completed_deliveries
        FROM driver_profiles WHERE driver_id IN (SELECT jsonb_array_elements_text($1::jsonb))`, ids)
	if err != nil {
		return nil, infra(err)
	}
	defer rows.Close()
	out := map[string]model.DriverProfile{}
	for rows.Next() {
		var pr model.DriverProfile
		if err := rows.Scan(&pr.DriverID, &pr.Rating, &pr.CompletedDeliveries); err != nil {
			return nil, infra(err)
		}
		out[pr.DriverID] = pr
	}
	return out, infra(rows.Err())
}

func (p *Postgres) CreateDeliveryRequest(ctx context.Context, req model.DeliveryRequest) error {
	// uniq_active_request_per_order enforces the one-active-request
	// invariant; a violation surfaces as SQLSTATE 23505.
	_, err := p.db.ExecContext(ctx, `INSERT INTO delivery_requests
        (id, order_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, status, priority, driver_id, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		req.ID, req.OrderID, req.Pickup.Lat, req.Pickup.Lng, req.Dropoff.Lat, req.Dropoff.Lng,
		string(req.Status), string(req.Priority), req.AssignedDriverID, req.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("active request exists for order %s: %w", req.OrderID, model.ErrConflict)
		}
		return infra(err)
	}
	return nil
}

func (p *Postgres) GetDeliveryRequest(ctx context.Context, id string) (model.DeliveryRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, order_id, pickup_lat, pickup_lng,
        dropoff_lat, dropoff_lng, status, priority, driver_id, created_at, assigned_at, completed_at
        FROM delivery_requests WHERE id=$1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryRequest{}, fmt.Errorf("request %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.DeliveryRequest{}, infra(err)
	}
	return req, nil
}

func (p *Postgres) ListDeliveryRequests(ctx context.Context, status model.RequestStatus, limit int) ([]model.DeliveryRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, order_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
        status, priority, driver_id, created_at, assigned_at, completed_at
        FROM delivery_requests`
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = p.db.QueryContext(ctx, q+` WHERE status=$1 ORDER BY created_at ASC LIMIT $2`, string(status), limit)
	} else {
		rows, err = p.db.QueryContext(ctx, q+` ORDER BY created_at ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, infra(err)
	}
	defer rows.Close()
	out := []model.DeliveryRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, infra(err)
		}
		out = append(out, req)
	}
	return out, infra(rows.Err())
}

func scanRequest(r rowScanner) (model.DeliveryRequest, error) {
	var req model.DeliveryRequest
	var status, priority string
	var driverID sql.NullString
	var assignedAt, completedAt sql.NullTime
	err := r.Scan(&req.ID, &req.OrderID, &req.Pickup.Lat, &req.Pickup.Lng,
		&req.Dropoff.Lat, &req.Dropoff.Lng, &status, &priority, &driverID,
		&req.CreatedAt, &assignedAt, &completedAt)
	if err != nil {
		return model.DeliveryRequest{}, err
	}
	req.Status = model.RequestStatus(status)
	req.Priority = model.Priority(priority)
	if driverID.Valid {
		s := driverID.String
		req.AssignedDriverID = &s
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		req.AssignedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		req.CompletedAt = &t
	}
	return req, nil
}

func (p *Postgres) UpdateRequestStatus(ctx context.Context, id string, from, to model.RequestStatus, driverID *string, at time.Time) (bool, error) {
	tag, err := p.db.ExecContext(ctx, `UPDATE delivery_requests SET
        status=$1,
        driver_id=CASE WHEN $2 THEN COALESCE($3, driver_id) ELSE NULL END,
        assigned_at=CASE WHEN $1='accepted' THEN $4 ELSE assigned_at END,
        completed_at=CASE WHEN $1='delivered' THEN $4 ELSE completed_at END
        WHERE id=$5 AND status=$6`,
		string(to), to.CarriesDriver(), driverID, at, id, string(from))
	if err != nil {
		return false, infra(err)
	}
	n, _ := tag.RowsAffected()
	return n == 1, nil
}

func (p *Postgres) CreateAssignment(ctx context.Context, a *model.Assignment, exclusive bool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return infra(err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize attempt creation per request so exclusivity checks and
	// attempt numbering cannot race.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, a.RequestID); err != nil {
		return infra(err)
	}
	if exclusive {
		var live int
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignment_attempts
            WHERE request_id=$1 AND status='assigned'`, a.RequestID).Scan(&live)
		if err != nil {
			return infra(err)
		}
		if live > 0 {
			return fmt.Errorf("live attempt exists for request %s: %w", a.RequestID, model.ErrConflict)
		}
	}
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*)+1 FROM assignment_attempts WHERE request_id=$1`,
		a.RequestID).Scan(&a.AttemptNumber)
	if err != nil {
		return infra(err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO assignment_attempts
        (id, request_id, driver_id, status, method, attempt_number, note, assigned_at, expires_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.RequestID, a.DriverID, string(a.Status), string(a.Method),
		a.AttemptNumber, nullIfEmpty(a.Note), a.AssignedAt, a.ExpiresAt)
	if err != nil {
		return infra(err)
	}
	return infra(tx.Commit())
}

func (p *Postgres) GetAssignment(ctx context.Context, id string) (model.Assignment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, request_id::text, driver_id, status, method,
        attempt_number, COALESCE(note,''), assigned_at, expires_at, responded_at
        FROM assignment_attempts WHERE id=$1`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Assignment{}, fmt.Errorf("assignment %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Assignment{}, infra(err)
	}
	return a, nil
}

func (p *Postgres) ListAssignmentsByRequest(ctx context.Context, requestID string) ([]model.Assignment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, request_id::text, driver_id, status, method,
        attempt_number, COALESCE(note,''), assigned_at, expires_at, responded_at
        FROM assignment_attempts WHERE request_id=$1 ORDER BY attempt_number ASC`, requestID)
	if err != nil {
		return nil, infra(err)
	}
	defer rows.Close()
	out := []model.Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, infra(err)
		}
		out = append(out, a)
	}
	return out, infra(rows.Err())
}

func scanAssignment(r rowScanner) (model.Assignment, error) {
	var a model.Assignment
	var status, method string
	var respondedAt sql.NullTime
	err := r.Scan(&a.ID, &a.RequestID, &a.DriverID, &status, &method,
		&a.AttemptNumber, &a.Note, &a.AssignedAt, &a.ExpiresAt, &respondedAt)
	if err != nil {
		return model.Assignment{}, err
	}
	a.Status = model.AssignmentStatus(status)
	a.Method = model.AssignmentMethod(method)
	if respondedAt.Valid {
		t := respondedAt.Time
		a.RespondedAt = &t
	}
	return a, nil
}

func (p *Postgres) CountLiveAssignments(ctx context.Context, requestID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignment_attempts
        WHERE request_id=$1 AND status='assigned'`, requestID).Scan(&n)
	return n, infra(err)
}

func (p *Postgres) TransitionAssignment(ctx context.Context, id string, to model.AssignmentStatus, at time.Time) (bool, error) {
	tag, err := p.db.ExecContext(ctx, `UPDATE assignment_attempts
        SET status=$1, responded_at=$2 WHERE id=$3 AND status='assigned'`,
		string(to), at, id)
	if err != nil {
		return false, infra(err)
	}
	n, _ := tag.RowsAffected()
	return n == 1, nil
}

func (p *Postgres) AcceptAssignment(ctx context.Context, id, requestID string, at time.Time) (bool, []model.Assignment, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, infra(err)
	}
	defer func() { _ = tx.Rollback() }()

	tag, err := tx.ExecContext(ctx, `UPDATE assignment_attempts
        SET status='accepted', responded_at=$1 WHERE id=$2 AND status='assigned'`, at, id)
	if err != nil {
		return false, nil, infra(err)
	}
	if n, _ := tag.RowsAffected(); n != 1 {
		return false, nil, nil
	}
	rows, err := tx.QueryContext(ctx, `UPDATE assignment_attempts
        SET status='cancelled', responded_at=$1
        WHERE request_id=$2 AND id<>$3 AND status='assigned'
        RETURNING id::text, request_id::text, driver_id, status, method,
                  attempt_number, COALESCE(note,''), assigned_at, expires_at, responded_at`,
		at, requestID, id)
	if err != nil {
		return false, nil, infra(err)
	}
	var cancelled []model.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			rows.Close()
			return false, nil, infra(err)
		}
		cancelled = append(cancelled, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, nil, infra(err)
	}
	if err := tx.Commit(); err != nil {
		return false, nil, infra(err)
	}
	return true, cancelled, nil
}

func (p *Postgres) ListExpiredAssignments(ctx context.Context, now time.Time, limit int) ([]model.Assignment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, request_id::text, driver_id, status, method,
        attempt_number, COALESCE(note,''), assigned_at, expires_at, responded_at
        FROM assignment_attempts WHERE status='assigned' AND expires_at < $1
        ORDER BY expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, infra(err)
	}
	defer rows.Close()
	out := []model.Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, infra(err)
		}
		out = append(out, a)
	}
	return out, infra(rows.Err())
}

func (p *Postgres) AppendDriverResponse(ctx context.Context, r model.DriverResponse) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_responses
        (id, assignment_id, driver_id, response_type, response_secs, message, eta_minutes, responded_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.AssignmentID, r.DriverID, string(r.ResponseType),
		r.ResponseTimeSeconds, nullIfEmpty(r.Message), r.EstimatedPickupMinutes, r.RespondedAt)
	return infra(err)
}

func (p *Postgres) ListDriverResponses(ctx context.Context, assignmentID string) ([]model.DriverResponse, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, assignment_id::text, driver_id,
        response_type, response_secs, COALESCE(message,''), eta_minutes, responded_at
        FROM driver_responses WHERE assignment_id=$1 ORDER BY responded_at ASC`, assignmentID)
	if err != nil {
		return nil, infra(err)
	}
	defer rows.Close()
	out := []model.DriverResponse{}
	for rows.Next() {
		var r model.DriverResponse
		var typ string
		if err := rows.Scan(&r.ID, &r.AssignmentID, &r.DriverID, &typ,
			&r.ResponseTimeSeconds, &r.Message, &r.EstimatedPickupMinutes, &r.RespondedAt); err != nil {
			return nil, infra(err)
		}
		r.ResponseType = model.ResponseType(typ)
		out = append(out, r)
	}
	return out, infra(rows.Err())
}

func (p *Postgres) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	sub.ID = uuid.New().String()
	ev, _ := json.Marshal(sub.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret)
        VALUES ($1,$2,$3,$4)`, sub.ID, sub.URL, ev, nullIfEmpty(sub.Secret))
	if err != nil {
		return model.Subscription{}, infra(err)
	}
	return sub, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, events, COALESCE(secret,'')
        FROM subscriptions WHERE events @> $1::jsonb OR events @> '["*"]'::jsonb`,
		fmt.Sprintf("[%q]", eventType))
	if err != nil {
		return nil, infra(err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (p *Postgres) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, events, COALESCE(secret,'') FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, infra(err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func scanSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &ev, &s.Secret); err != nil {
			return nil, infra(err)
		}
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
	}
	return out, infra(rows.Err())
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	if err != nil {
		return infra(err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries
        (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now())`,
		id, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload)
	if err != nil {
		return "", infra(err)
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(subscription_id::text,''), event_type,
        url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now()
        ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, infra(err)
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret,
			&d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, infra(err)
		}
		out = append(out, d)
	}
	return out, infra(rows.Err())
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(1 * time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries
            SET attempts=attempts+1, status='retry', last_error=$1, next_attempt_at=$2,
                response_code=$3, latency_ms=$4 WHERE id=$5`,
			nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs, id)
		return infra(err)
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries
        SET attempts=attempts+1, status='delivered', delivered_at=now(),
            response_code=$1, latency_ms=$2 WHERE id=$3`,
		responseCode, latencyMs, id)
	return infra(err)
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries
        SET status='failed', last_error=$1, response_code=$2, latency_ms=$3 WHERE id=$4`,
		nullIfEmpty(lastError), responseCode, latencyMs, id)
	return infra(err)
}

// Helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func infra(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", model.ErrInfrastructure, err)
}

package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists trips in Postgres. The compare-and-swap lives in
// the WHERE clause of the status update: the row only changes when it still
// holds the expected status (and, on assignment, no foreign driver id), so
// concurrent claimants serialize on the database row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const tripColumns = `id, rider_id, COALESCE(driver_id,''), pickup_lat, pickup_lon, dest_lat, dest_lon,
	fare, payment_method, notes, trip_type, party_size, status, COALESCE(cancelled_by,''), created_at, updated_at`

func (p *PostgresStore) Create(t models.Trip) error {
	_, err := p.db.Exec(`INSERT INTO trips(id, rider_id, driver_id, pickup_lat, pickup_lon, dest_lat, dest_lon,
		fare, payment_method, notes, trip_type, party_size, status, created_at, updated_at)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.RiderID, t.DriverID, t.Pickup.Lat, t.Pickup.Lon, t.Destination.Lat, t.Destination.Lon,
		t.Fare, t.PaymentMethod, t.Notes, string(t.Type), t.PartySize, string(t.Status), t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(id string) (models.Trip, error) {
	row := p.db.QueryRow(`SELECT `+tripColumns+` FROM trips WHERE id=$1`, id)
	return scanTrip(row)
}

func (p *PostgresStore) Transition(id string, from, to models.Status, driverID string, cancelledBy models.CancelActor) (models.Trip, error) {
	var cancel sql.NullString
	if to == models.StatusCancelled && cancelledBy != "" {
		cancel = sql.NullString{String: string(cancelledBy), Valid: true}
	}
	res, err := p.db.Exec(`UPDATE trips
		SET status=$1,
		    driver_id=COALESCE(driver_id, NULLIF($2,'')),
		    cancelled_by=COALESCE($3, cancelled_by),
		    updated_at=$4
		WHERE id=$5 AND status=$6
		  AND ($2='' OR driver_id IS NULL OR driver_id=$2)`,
		string(to), driverID, cancel, time.Now(), id, string(from))
	if err != nil {
		return models.Trip{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Trip{}, err
	}
	if n != 1 {
		// distinguish a missing row from a lost race
		if _, err := p.Get(id); errors.Is(err, ErrNotFound) {
			return models.Trip{}, ErrNotFound
		}
		return models.Trip{}, ErrConflict
	}
	return p.Get(id)
}

func (p *PostgresStore) ActiveByRider(riderID string) (models.Trip, error) {
	row := p.db.QueryRow(`SELECT `+tripColumns+` FROM trips
		WHERE rider_id=$1 AND status NOT IN ('completed','cancelled')
		ORDER BY created_at DESC LIMIT 1`, riderID)
	return scanTrip(row)
}

func (p *PostgresStore) ActiveByDriver(driverID string) ([]models.Trip, error) {
	rows, err := p.db.Query(`SELECT `+tripColumns+` FROM trips
		WHERE driver_id=$1 AND status NOT IN ('completed','cancelled')
		ORDER BY created_at`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrips(rows)
}

func (p *PostgresStore) Pending() ([]models.Trip, error) {
	rows, err := p.db.Query(`SELECT ` + tripColumns + ` FROM trips WHERE status='pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrips(rows)
}

// SavePresenceInterval upserts one merged presence window, keyed by driver
// and window start.
func (p *PostgresStore) SavePresenceInterval(iv models.PresenceInterval) error {
	_, err := p.db.Exec(`INSERT INTO presence_intervals(driver_id, start_at, end_at)
		VALUES($1,$2,$3)
		ON CONFLICT (driver_id, start_at) DO UPDATE SET end_at=EXCLUDED.end_at`,
		iv.DriverID, iv.StartAt, iv.EndAt)
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTrip(row scannable) (models.Trip, error) {
	var t models.Trip
	var typ, status, cancelledBy string
	err := row.Scan(&t.ID, &t.RiderID, &t.DriverID, &t.Pickup.Lat, &t.Pickup.Lon, &t.Destination.Lat, &t.Destination.Lon,
		&t.Fare, &t.PaymentMethod, &t.Notes, &typ, &t.PartySize, &status, &cancelledBy, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, ErrNotFound
	}
	if err != nil {
		return models.Trip{}, err
	}
	t.Type = models.TripType(typ)
	t.Status = models.Status(status)
	t.CancelledBy = models.CancelActor(cancelledBy)
	return t, nil
}

func scanTrips(rows *sql.Rows) ([]models.Trip, error) {
	var out []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

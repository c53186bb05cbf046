package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies every *.sql file in dir in lexical order. Statements are
// written to be re-runnable.
func (p *PostgresStore) Migrate(ctx context.Context, dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	applied := make([]string, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return applied, fmt.Errorf("read %s: %w", f, err)
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return applied, fmt.Errorf("apply %s: %w", filepath.Base(f), err)
		}
		applied = append(applied, filepath.Base(f))
	}
	return applied, nil
}

const bookingColumns = `id, customer_id, driver_id, source_name, source_lat, source_lon, dest_name, dest_lat, dest_lon,
	distance_km, route_geometry, truck_type, capacity_tons, fare, payment_method, status,
	created_at, pickup_at, completed_at, updated_at, version`

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	srcLat, srcLon := pointArgs(b.Source.Point)
	dstLat, dstLon := pointArgs(b.Destination.Point)
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings(`+bookingColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,1)`,
		b.ID, b.CustomerID, b.DriverID, b.Source.Name, srcLat, srcLon, b.Destination.Name, dstLat, dstLon,
		b.DistanceKm, b.RouteGeometry, string(b.TruckType), b.CapacityTons, b.Fare, string(b.PaymentMethod), string(b.Status),
		b.CreatedAt, b.PickupAt, b.CompletedAt, b.UpdatedAt)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "storage.CreateBooking", err)
	}
	b.Version = 1
	return nil
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	var (
		b                     models.Booking
		srcLat, srcLon        sql.NullFloat64
		dstLat, dstLon        sql.NullFloat64
		truck, method, status string
		pickupAt, completedAt sql.NullTime
	)
	err := row.Scan(&b.ID, &b.CustomerID, &b.DriverID, &b.Source.Name, &srcLat, &srcLon, &b.Destination.Name, &dstLat, &dstLon,
		&b.DistanceKm, &b.RouteGeometry, &truck, &b.CapacityTons, &b.Fare, &method, &status,
		&b.CreatedAt, &pickupAt, &completedAt, &b.UpdatedAt, &b.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "storage.GetBooking", "booking %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "storage.GetBooking", err)
	}
	b.Source.Point = pointFrom(srcLat, srcLon)
	b.Destination.Point = pointFrom(dstLat, dstLon)
	b.TruckType = models.TruckType(truck)
	b.PaymentMethod = models.PaymentMethod(method)
	b.Status = models.BookingStatus(status)
	b.PickupAt = timeFrom(pickupAt)
	b.CompletedAt = timeFrom(completedAt)
	return &b, nil
}

func (p *PostgresStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	const op = "storage.UpdateBooking"
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET status = $1, completed_at = $2, updated_at = $3, version = version + 1
		WHERE id = $4 AND version = $5`,
		string(b.Status), b.CompletedAt, b.UpdatedAt, b.ID, b.Version)
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	if err := p.checkVersioned(ctx, op, "bookings", b.ID, res); err != nil {
		return err
	}
	b.Version++
	return nil
}

const paymentColumns = `id, booking_id, amount, method, status, external_txn_id, validation_id, created_at, updated_at, processed_at, version`

func (p *PostgresStore) CreatePayment(ctx context.Context, pm *models.Payment) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO payments(`+paymentColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1)`,
		pm.ID, pm.BookingID, pm.Amount, string(pm.Method), string(pm.Status), nullString(pm.ExternalTxnID), pm.ValidationID,
		pm.CreatedAt, pm.UpdatedAt, pm.ProcessedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.ReconciliationConflict, "storage.CreatePayment", "transaction %s already recorded", pm.ExternalTxnID)
		}
		return apperr.Wrap(apperr.Internal, "storage.CreatePayment", err)
	}
	pm.Version = 1
	return nil
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	return p.getPayment(ctx, "storage.GetPayment", `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (p *PostgresStore) GetPaymentByTxn(ctx context.Context, txn string) (*models.Payment, error) {
	return p.getPayment(ctx, "storage.GetPaymentByTxn", `SELECT `+paymentColumns+` FROM payments WHERE external_txn_id = $1`, txn)
}

func (p *PostgresStore) getPayment(ctx context.Context, op, query, arg string) (*models.Payment, error) {
	pm, err := scanPayment(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, op, "payment %s not found", arg)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, err)
	}
	return pm, nil
}

func (p *PostgresStore) ListPayments(ctx context.Context, bookingID string) ([]models.Payment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE booking_id = $1 ORDER BY created_at`, bookingID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "storage.ListPayments", err)
	}
	defer rows.Close()
	var out []models.Payment
	for rows.Next() {
		pm, err := scanPayment(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "storage.ListPayments", err)
		}
		out = append(out, *pm)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "storage.ListPayments", err)
	}
	return out, nil
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, pm *models.Payment) error {
	const op = "storage.UpdatePayment"
	res, err := p.db.ExecContext(ctx, `UPDATE payments SET status = $1, validation_id = $2, processed_at = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6`,
		string(pm.Status), pm.ValidationID, pm.ProcessedAt, pm.UpdatedAt, pm.ID, pm.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.ReconciliationConflict, op, "booking %s already has a completed payment", pm.BookingID)
		}
		return apperr.Wrap(apperr.Internal, op, err)
	}
	if err := p.checkVersioned(ctx, op, "payments", pm.ID, res); err != nil {
		return err
	}
	pm.Version++
	return nil
}

func (p *PostgresStore) HasCompletedPayment(ctx context.Context, bookingID string) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM payments WHERE booking_id = $1 AND status = $2)`,
		bookingID, string(models.PaymentCompleted)).Scan(&ok)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "storage.HasCompletedPayment", err)
	}
	return ok, nil
}

// checkVersioned tells a lost optimistic race apart from a missing row.
func (p *PostgresStore) checkVersioned(ctx context.Context, op, table, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	if !exists {
		return apperr.New(apperr.NotFound, op, "%s not found", id)
	}
	return apperr.New(apperr.ConcurrencyConflict, op, "%s changed underneath", id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(s scanner) (*models.Payment, error) {
	var (
		pm             models.Payment
		method, status string
		txn            sql.NullString
		processedAt    sql.NullTime
	)
	if err := s.Scan(&pm.ID, &pm.BookingID, &pm.Amount, &method, &status, &txn, &pm.ValidationID,
		&pm.CreatedAt, &pm.UpdatedAt, &processedAt, &pm.Version); err != nil {
		return nil, err
	}
	pm.Method = models.PaymentMethod(method)
	pm.Status = models.PaymentStatus(status)
	pm.ExternalTxnID = txn.String
	pm.ProcessedAt = timeFrom(processedAt)
	return &pm, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func pointArgs(c *models.Coord) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lon, Valid: true}
}

func pointFrom(lat, lon sql.NullFloat64) *models.Coord {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
}

func timeFrom(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

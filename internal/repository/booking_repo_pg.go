package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/threedegreeseast/retreatbooking/internal/domain"
)

var ErrNotFound = errors.New("booking not found")

// BookingRepository is the per-record atomic store the settlement engine
// relies on. Handlers run across multiple instances, so every mutation here
// must be a single conditional statement, never a read followed by a write.
type BookingRepository interface {
	// FindOrCreate inserts the booking keyed by its payment reference, or
	// returns the existing row when another path got there first. The insert
	// and the existence check are one statement.
	FindOrCreate(ctx context.Context, booking *domain.Booking) (*domain.Booking, bool, error)
	GetByPaymentRef(ctx context.Context, ref string) (*domain.Booking, error)
	GetBySessionRef(ctx context.Context, sessionRef string) (*domain.Booking, error)
	// FillDetails copies guest details onto a details-less row. Rows that
	// already carry details are left untouched.
	FillDetails(ctx context.Context, ref string, details *domain.Booking) (*domain.Booking, error)
	// ApplyOutcome moves payment_status out of processing. A row already in a
	// terminal state is returned unchanged.
	ApplyOutcome(ctx context.Context, ref string, status domain.PaymentStatus) (*domain.Booking, error)
	// ClaimNotification flips the flag false->true and reports whether this
	// call won. Only the winner may invoke the notification capability.
	ClaimNotification(ctx context.Context, ref string, kind domain.NotificationKind) (bool, error)
	// ReleaseNotification gives a claim back after a failed send so a later
	// settlement can retry.
	ReleaseNotification(ctx context.Context, ref string, kind domain.NotificationKind) error
	// RecordNotificationResult stores the message id of a completed send,
	// marking the claim as delivered rather than merely held.
	RecordNotificationResult(ctx context.Context, ref string, kind domain.NotificationKind, messageID string) error
	// ReapStaleClaims resets claims that were taken before the cutoff but
	// never produced a message id, so a holder that died mid-send does not
	// suppress the notification forever.
	ReapStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
	ListUnnotified(ctx context.Context, limit int) ([]domain.Booking, error)

	List(ctx context.Context, limit int) ([]domain.Booking, error)
	GetByID(ctx context.Context, id int64) (*domain.Booking, error)
	ListByEmail(ctx context.Context, email string) ([]domain.Booking, error)
	// OverrideStatus sets payment_status unconditionally. This is the
	// administrative escape hatch; everything else goes through ApplyOutcome.
	OverrideStatus(ctx context.Context, id int64, status domain.PaymentStatus) (*domain.Booking, error)
}

type PGBookingRepository struct {
	db *pgxpool.Pool
}

func NewBookingRepository(db *pgxpool.Pool) BookingRepository {
	return &PGBookingRepository{db: db}
}

const bookingColumns = `id, full_name, email, mobile, accommodations, special_requirements,
	total_amount_minor, payment_ref, payment_status, session_ref,
	customer_email_sent, admin_notified, customer_email_message_id, admin_message_id,
	is_mobile, booking_date, created_at, updated_at`

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var b domain.Booking
	if err := row.Scan(&b.ID, &b.FullName, &b.Email, &b.Mobile, &b.Accommodations, &b.SpecialRequirements,
		&b.TotalAmountMinor, &b.PaymentRef, &b.PaymentStatus, &b.SessionRef,
		&b.CustomerEmailSent, &b.AdminNotified, &b.CustomerEmailMessageID, &b.AdminMessageID,
		&b.IsMobile, &b.BookingDate, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *PGBookingRepository) FindOrCreate(ctx context.Context, booking *domain.Booking) (*domain.Booking, bool, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `INSERT INTO bookings (full_name, email, mobile, accommodations, special_requirements,
			total_amount_minor, payment_ref, payment_status, session_ref, is_mobile, booking_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (payment_ref) DO NOTHING
		RETURNING `+bookingColumns,
		booking.FullName, booking.Email, booking.Mobile, booking.Accommodations, booking.SpecialRequirements,
		booking.TotalAmountMinor, booking.PaymentRef, domain.PaymentStatusProcessing, booking.SessionRef, booking.IsMobile)

	created, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race (or the row predates us); hand back the winner's row.
		existing, err := r.GetByPaymentRef(ctx, booking.PaymentRef)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := decrementInventory(ctx, tx, booking.Accommodations); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (r *PGBookingRepository) GetByPaymentRef(ctx context.Context, ref string) (*domain.Booking, error) {
	row := r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE payment_ref=$1`, ref)
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *PGBookingRepository) GetBySessionRef(ctx context.Context, sessionRef string) (*domain.Booking, error) {
	row := r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE session_ref=$1`, sessionRef)
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *PGBookingRepository) FillDetails(ctx context.Context, ref string, details *domain.Booking) (*domain.Booking, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// The full_name guard keeps a duplicate report from overwriting details
	// that were stored earlier.
	row := tx.QueryRow(ctx, `UPDATE bookings SET full_name=$2, email=$3, mobile=$4, accommodations=$5,
			special_requirements=$6, total_amount_minor=$7, is_mobile=$8, updated_at=now()
		WHERE payment_ref=$1 AND full_name=''
		RETURNING `+bookingColumns,
		ref, details.FullName, details.Email, details.Mobile, details.Accommodations,
		details.SpecialRequirements, details.TotalAmountMinor, details.IsMobile)

	updated, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.GetByPaymentRef(ctx, ref)
	}
	if err != nil {
		return nil, err
	}

	if err := decrementInventory(ctx, tx, details.Accommodations); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PGBookingRepository) ApplyOutcome(ctx context.Context, ref string, status domain.PaymentStatus) (*domain.Booking, error) {
	row := r.db.QueryRow(ctx, `UPDATE bookings SET payment_status=$2, updated_at=now()
		WHERE payment_ref=$1 AND payment_status=$3
		RETURNING `+bookingColumns,
		ref, status, domain.PaymentStatusProcessing)

	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already terminal; the stored status wins.
		return r.GetByPaymentRef(ctx, ref)
	}
	return b, err
}

func (r *PGBookingRepository) ClaimNotification(ctx context.Context, ref string, kind domain.NotificationKind) (bool, error) {
	column, err := notificationColumn(kind)
	if err != nil {
		return false, err
	}
	cmd, err := r.db.Exec(ctx, `UPDATE bookings SET `+column+`=true, updated_at=now()
		WHERE payment_ref=$1 AND `+column+`=false`, ref)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *PGBookingRepository) ReleaseNotification(ctx context.Context, ref string, kind domain.NotificationKind) error {
	column, err := notificationColumn(kind)
	if err != nil {
		return err
	}
	msgColumn, err := messageColumn(kind)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `UPDATE bookings SET `+column+`=false, `+msgColumn+`='', updated_at=now()
		WHERE payment_ref=$1`, ref)
	return err
}

func (r *PGBookingRepository) RecordNotificationResult(ctx context.Context, ref string, kind domain.NotificationKind, messageID string) error {
	msgColumn, err := messageColumn(kind)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `UPDATE bookings SET `+msgColumn+`=$2, updated_at=now() WHERE payment_ref=$1`, ref, messageID)
	return err
}

func (r *PGBookingRepository) ReapStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	var reaped int64
	for _, kind := range []domain.NotificationKind{domain.NotificationCustomer, domain.NotificationAdmin} {
		column, err := notificationColumn(kind)
		if err != nil {
			return reaped, err
		}
		msgColumn, err := messageColumn(kind)
		if err != nil {
			return reaped, err
		}
		cmd, err := r.db.Exec(ctx, `UPDATE bookings SET `+column+`=false, updated_at=now()
			WHERE payment_status=$1 AND `+column+`=true AND `+msgColumn+`='' AND updated_at < $2`,
			domain.PaymentStatusSucceeded, cutoff)
		if err != nil {
			return reaped, err
		}
		reaped += cmd.RowsAffected()
	}
	return reaped, nil
}

func (r *PGBookingRepository) ListUnnotified(ctx context.Context, limit int) ([]domain.Booking, error) {
	// Rows without details cannot be notified yet; listing them every sweep
	// would starve the batch. FillDetails bumps updated_at when they become
	// eligible.
	rows, err := r.db.Query(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE payment_status=$1 AND full_name<>'' AND (customer_email_sent=false OR admin_notified=false)
		ORDER BY updated_at LIMIT $2`, domain.PaymentStatusSucceeded, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBookings(rows)
}

func (r *PGBookingRepository) List(ctx context.Context, limit int) ([]domain.Booking, error) {
	rows, err := r.db.Query(ctx, `SELECT `+bookingColumns+` FROM bookings
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBookings(rows)
}

func (r *PGBookingRepository) GetByID(ctx context.Context, id int64) (*domain.Booking, error) {
	row := r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *PGBookingRepository) ListByEmail(ctx context.Context, email string) ([]domain.Booking, error) {
	rows, err := r.db.Query(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE email=$1 ORDER BY created_at DESC`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBookings(rows)
}

func (r *PGBookingRepository) OverrideStatus(ctx context.Context, id int64, status domain.PaymentStatus) (*domain.Booking, error) {
	row := r.db.QueryRow(ctx, `UPDATE bookings SET payment_status=$2, updated_at=now()
		WHERE id=$1 RETURNING `+bookingColumns, id, status)
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func collectBookings(rows pgx.Rows) ([]domain.Booking, error) {
	var bookings []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

func notificationColumn(kind domain.NotificationKind) (string, error) {
	switch kind {
	case domain.NotificationCustomer:
		return "customer_email_sent", nil
	case domain.NotificationAdmin:
		return "admin_notified", nil
	default:
		return "", fmt.Errorf("unknown notification kind %q", kind)
	}
}

func messageColumn(kind domain.NotificationKind) (string, error) {
	switch kind {
	case domain.NotificationCustomer:
		return "customer_email_message_id", nil
	case domain.NotificationAdmin:
		return "admin_message_id", nil
	default:
		return "", fmt.Errorf("unknown notification kind %q", kind)
	}
}

// decrementInventory takes the selected quantities off accommodation stock in
// the same transaction as the booking insert. There is no floor and no
// release on a later payment failure; that condition is logged upstream.
func decrementInventory(ctx context.Context, tx pgx.Tx, accommodations map[string]domain.AccommodationChoice) error {
	for id, choice := range accommodations {
		if !choice.Selected || choice.Quantity <= 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE accommodation_options
			SET available_count = available_count - $2, updated_at = now()
			WHERE id = $1`, id, choice.Quantity); err != nil {
			return err
		}
	}
	return nil
}

var _ BookingRepository = (*PGBookingRepository)(nil)

package domain

import "time"

type PaymentStatus string

const (
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusSucceeded  PaymentStatus = "succeeded"
	PaymentStatusFailed     PaymentStatus = "failed"
)

// Terminal reports whether no further status transition is permitted.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusSucceeded || s == PaymentStatusFailed
}

// NotificationKind selects one of the two independent at-most-once
// notification flags on a Booking.
type NotificationKind string

const (
	NotificationCustomer NotificationKind = "customer"
	NotificationAdmin    NotificationKind = "admin"
)

type AccommodationChoice struct {
	Selected bool `json:"selected"`
	Quantity int  `json:"quantity"`
}

type Booking struct {
	ID                  int64
	FullName            string
	Email               string
	Mobile              string
	Accommodations      map[string]AccommodationChoice
	SpecialRequirements string
	TotalAmountMinor    int64
	PaymentRef          string
	PaymentStatus       PaymentStatus
	SessionRef          string
	CustomerEmailSent   bool
	AdminNotified       bool
	// Message IDs are recorded after a successful send. A sent flag with no
	// message id is a claim whose holder died mid-send; the sweep reaps those.
	CustomerEmailMessageID string
	AdminMessageID         string
	IsMobile               bool
	BookingDate            time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// HasDetails reports whether the booking carries guest details, as opposed to
// a bare row created from a webhook that only knew the payment reference.
func (b *Booking) HasDetails() bool {
	return b.FullName != ""
}

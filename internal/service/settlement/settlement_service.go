package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/threedegreeseast/retreatbooking/internal/domain"
	"github.com/threedegreeseast/retreatbooking/internal/kafka"
	"github.com/threedegreeseast/retreatbooking/internal/payments"
	"github.com/threedegreeseast/retreatbooking/internal/repository"
)

const currency = "gbp"

// staleClaimAge bounds how long a notification claim may sit without a
// recorded message id before the sweep hands it back.
const staleClaimAge = 15 * time.Minute

// ErrInvalidInput marks caller mistakes so the transport layer can answer
// 4xx instead of 5xx.
var ErrInvalidInput = errors.New("invalid booking input")

// SettlementUseCase is the reconciliation engine. Three entry paths report
// payment outcomes for the same reference in any order, any number of times;
// every one of them funnels through the single idempotent settle step.
type SettlementUseCase interface {
	DirectCharge(ctx context.Context, input DirectChargeInput) (*BookingSummary, error)
	SetupDeferred(ctx context.Context, input SetupInput) (*SetupResult, error)
	ReportOutcome(ctx context.Context, report OutcomeReport) (*BookingSummary, error)
	HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error
	BookingBySession(ctx context.Context, sessionRef string) (*BookingSummary, error)
	ResendPending(ctx context.Context) (int, error)

	// Administrative surface. Reads expose the full record including the
	// bookkeeping flags; OverrideStatus is the one mutation path besides
	// settle.
	ListBookings(ctx context.Context) ([]domain.Booking, error)
	BookingByID(ctx context.Context, id int64) (*domain.Booking, error)
	BookingsByEmail(ctx context.Context, email string) ([]domain.Booking, error)
	OverrideStatus(ctx context.Context, id int64, status string) (*domain.Booking, error)
}

type Notifier interface {
	SendCustomerConfirmation(ctx context.Context, booking *domain.Booking) (string, error)
	SendAdminAlert(ctx context.Context, booking *domain.Booking) (string, error)
}

type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

// EventDedup short-circuits redelivered webhook events. It is an optimization
// on top of settle's idempotency, not a correctness requirement.
type EventDedup interface {
	MarkEventSeen(ctx context.Context, eventID string) (bool, error)
	// ForgetEvent drops the seen marker so the provider's redelivery of an
	// event whose settlement failed is not answered as a duplicate.
	ForgetEvent(ctx context.Context, eventID string) error
}

// SummaryCache fronts the legacy by-session retrieval path.
type SummaryCache interface {
	GetBookingBySession(ctx context.Context, sessionRef string) (*domain.Booking, error)
	SetBookingBySession(ctx context.Context, sessionRef string, booking *domain.Booking) error
}

type BookingDetails struct {
	FullName            string                                `json:"fullName"`
	Email               string                                `json:"email"`
	Mobile              string                                `json:"mobile"`
	Accommodations      map[string]domain.AccommodationChoice `json:"accommodations"`
	SpecialRequirements string                                `json:"specialRequirements"`
}

type DirectChargeInput struct {
	AmountMinor     int64
	PaymentMethodID string
	Details         BookingDetails
	IsMobile        bool
}

type SetupInput struct {
	AmountMinor int64
	Details     BookingDetails
}

type SetupResult struct {
	ClientSecret    string
	PaymentIntentID string
}

// OutcomeReport is the deferred path's status report: the client confirmed
// on-device and tells us how the intent ended up.
type OutcomeReport struct {
	PaymentIntentID string
	IntentStatus    string
	AmountMinor     int64
	Details         *BookingDetails
}

// BookingSummary is the externally exposed subset of a Booking; the
// notification flags stay internal.
type BookingSummary struct {
	FullName            string                                `json:"fullName"`
	Email               string                                `json:"email"`
	Mobile              string                                `json:"mobile"`
	Accommodations      map[string]domain.AccommodationChoice `json:"accommodations"`
	SpecialRequirements string                                `json:"specialRequirements"`
	PaymentID           string                                `json:"paymentId"`
	PaymentStatus       string                                `json:"paymentStatus"`
	TotalAmountMinor    int64                                 `json:"totalAmountMinor"`
	BookingDate         time.Time                             `json:"bookingDate"`
}

type SettlementService struct {
	bookings           repository.BookingRepository
	provider           payments.PaymentProvider
	notifier           Notifier
	dedup              EventDedup
	summaries          SummaryCache
	producer           Producer
	notificationsTopic string
	webhookSecret      string
	allowUnverified    bool
	returnURL          string
	resendBatch        int
}

type SettlementServiceOption func(*SettlementService)

func WithEventDedup(dedup EventDedup) SettlementServiceOption {
	return func(s *SettlementService) {
		s.dedup = dedup
	}
}

func WithSummaryCache(cache SummaryCache) SettlementServiceOption {
	return func(s *SettlementService) {
		s.summaries = cache
	}
}

func WithProducer(producer Producer, topic string) SettlementServiceOption {
	return func(s *SettlementService) {
		s.producer = producer
		s.notificationsTopic = topic
	}
}

func WithWebhookSecret(secret string) SettlementServiceOption {
	return func(s *SettlementService) {
		s.webhookSecret = secret
	}
}

// WithUnverifiedWebhooks accepts unsigned webhooks when no secret is
// configured. Rejected by default; only for closed test environments.
func WithUnverifiedWebhooks() SettlementServiceOption {
	return func(s *SettlementService) {
		s.allowUnverified = true
	}
}

func WithReturnURL(url string) SettlementServiceOption {
	return func(s *SettlementService) {
		s.returnURL = url
	}
}

func WithResendBatchSize(n int) SettlementServiceOption {
	return func(s *SettlementService) {
		s.resendBatch = n
	}
}

func NewSettlementService(
	bookings repository.BookingRepository,
	provider payments.PaymentProvider,
	notifier Notifier,
	opts ...SettlementServiceOption,
) *SettlementService {
	service := &SettlementService{
		bookings:    bookings,
		provider:    provider,
		notifier:    notifier,
		resendBatch: 50,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// DirectCharge is the desktop path: create and confirm in one round trip,
// settle from the freshest status this path knows. It never waits for the
// webhook.
func (s *SettlementService) DirectCharge(ctx context.Context, input DirectChargeInput) (*BookingSummary, error) {
	if err := validateDetails(input.AmountMinor, input.Details); err != nil {
		return nil, err
	}

	intent, err := s.provider.CreateIntent(ctx, payments.CreateIntentParams{
		AmountMinor:   input.AmountMinor,
		Currency:      currency,
		PaymentMethod: input.PaymentMethodID,
		Confirm:       true,
		ReturnURL:     s.returnURL,
	})
	if err != nil {
		return nil, err
	}

	// Some providers need a second call to finish confirmation when no
	// challenge flow is involved. A confirm failure is not fatal here; the
	// webhook will carry the real outcome later.
	if !intent.Terminal() {
		confirmed, err := s.provider.ConfirmIntent(ctx, intent.ID)
		if err != nil {
			log.Printf("explicit confirm of %s failed: %v", intent.ID, err)
		} else {
			intent = confirmed
		}
	}

	booking, err := s.settle(ctx, intent.ID, outcomeFromIntentStatus(intent.Status), &input.Details, input.AmountMinor, input.IsMobile)
	if err != nil {
		return nil, err
	}
	return summaryOf(booking), nil
}

// SetupDeferred is step 1 of the mobile path: an unconfirmed intent plus a
// placeholder booking. Placeholder creation is not a settlement event, so no
// status transition and no notifications happen here.
func (s *SettlementService) SetupDeferred(ctx context.Context, input SetupInput) (*SetupResult, error) {
	if err := validateDetails(input.AmountMinor, input.Details); err != nil {
		return nil, err
	}

	intent, err := s.provider.CreateIntent(ctx, payments.CreateIntentParams{
		AmountMinor: input.AmountMinor,
		Currency:    currency,
		Confirm:     false,
		Metadata: map[string]string{
			"fullName": input.Details.FullName,
			"email":    input.Details.Email,
			"mobile":   input.Details.Mobile,
			"isMobile": "true",
		},
	})
	if err != nil {
		return nil, err
	}

	seed := bookingSeed(intent.ID, &input.Details, input.AmountMinor, true)
	if _, _, err := s.bookings.FindOrCreate(ctx, seed); err != nil {
		return nil, fmt.Errorf("create placeholder for %s: %w", intent.ID, err)
	}

	return &SetupResult{ClientSecret: intent.ClientSecret, PaymentIntentID: intent.ID}, nil
}

// ReportOutcome is step 2 of the mobile path: the client confirmed against
// the provider on-device and reports the final intent status back.
func (s *SettlementService) ReportOutcome(ctx context.Context, report OutcomeReport) (*BookingSummary, error) {
	if report.PaymentIntentID == "" {
		return nil, fmt.Errorf("%w: payment intent id is required", ErrInvalidInput)
	}

	booking, err := s.settle(ctx, report.PaymentIntentID, outcomeFromIntentStatus(report.IntentStatus), report.Details, report.AmountMinor, true)
	if err != nil {
		return nil, err
	}
	return summaryOf(booking), nil
}

// HandleWebhook settles from the provider's asynchronous push. It fails
// closed: a configured secret with a bad signature rejects the payload, and
// an absent secret rejects by default.
func (s *SettlementService) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := payments.VerifyWebhook(payload, sigHeader, s.webhookSecret)
	if err != nil {
		return err
	}
	if event.Unverified && !s.allowUnverified {
		return fmt.Errorf("%w: no signing secret configured", payments.ErrSignatureInvalid)
	}

	marked := false
	if s.dedup != nil && event.ID != "" {
		first, err := s.dedup.MarkEventSeen(ctx, event.ID)
		if err != nil {
			// Settle is idempotent, so a dead dedup cache only costs work.
			log.Printf("event dedup unavailable: %v", err)
		} else if !first {
			log.Printf("duplicate webhook delivery %s ignored", event.ID)
			return nil
		} else {
			marked = true
		}
	}

	var settleErr error
	switch event.Type {
	case "payment_intent.succeeded":
		_, settleErr = s.settle(ctx, event.Object.ID, domain.PaymentStatusSucceeded, nil, 0, false)
	case "payment_intent.payment_failed":
		_, settleErr = s.settle(ctx, event.Object.ID, domain.PaymentStatusFailed, nil, 0, false)
	default:
		// Acknowledged but not our business.
		return nil
	}

	if settleErr != nil && marked {
		// The non-2xx response makes the provider redeliver; the seen marker
		// must not be left behind to answer that redelivery as a duplicate.
		if err := s.dedup.ForgetEvent(ctx, event.ID); err != nil {
			log.Printf("WARNING: could not forget event %s after failed settlement: %v", event.ID, err)
		}
	}
	return settleErr
}

func (s *SettlementService) BookingBySession(ctx context.Context, sessionRef string) (*BookingSummary, error) {
	if sessionRef == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}

	if s.summaries != nil {
		cached, err := s.summaries.GetBookingBySession(ctx, sessionRef)
		if err != nil {
			log.Printf("session cache read failed: %v", err)
		} else if cached != nil {
			return summaryOf(cached), nil
		}
	}

	booking, err := s.bookings.GetBySessionRef(ctx, sessionRef)
	if err != nil {
		return nil, err
	}

	if s.summaries != nil {
		if err := s.summaries.SetBookingBySession(ctx, sessionRef, booking); err != nil {
			log.Printf("session cache write failed: %v", err)
		}
	}
	return summaryOf(booking), nil
}

// ResendPending re-settles succeeded bookings that still miss a notification.
// The worker runs it on a timer; an admin endpoint can trigger it by hand.
func (s *SettlementService) ResendPending(ctx context.Context) (int, error) {
	reaped, err := s.bookings.ReapStaleClaims(ctx, time.Now().Add(-staleClaimAge))
	if err != nil {
		return 0, fmt.Errorf("reap stale claims: %w", err)
	}
	if reaped > 0 {
		log.Printf("reaped %d stale notification claims", reaped)
	}

	pending, err := s.bookings.ListUnnotified(ctx, s.resendBatch)
	if err != nil {
		return 0, err
	}

	for _, b := range pending {
		if _, err := s.settle(ctx, b.PaymentRef, domain.PaymentStatusSucceeded, nil, 0, b.IsMobile); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

func (s *SettlementService) ListBookings(ctx context.Context) ([]domain.Booking, error) {
	return s.bookings.List(ctx, 500)
}

func (s *SettlementService) BookingByID(ctx context.Context, id int64) (*domain.Booking, error) {
	return s.bookings.GetByID(ctx, id)
}

func (s *SettlementService) BookingsByEmail(ctx context.Context, email string) ([]domain.Booking, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	return s.bookings.ListByEmail(ctx, email)
}

// OverrideStatus force-sets the payment status by internal id. Unlike
// ApplyOutcome it can move a terminal status; moving to succeeded re-settles
// so notifications fire through the usual claim path.
func (s *SettlementService) OverrideStatus(ctx context.Context, id int64, status string) (*domain.Booking, error) {
	target := domain.PaymentStatus(status)
	switch target {
	case domain.PaymentStatusProcessing, domain.PaymentStatusSucceeded, domain.PaymentStatusFailed:
	default:
		return nil, fmt.Errorf("%w: unknown payment status %q", ErrInvalidInput, status)
	}

	booking, err := s.bookings.OverrideStatus(ctx, id, target)
	if err != nil {
		return nil, err
	}
	log.Printf("status of booking %d (%s) overridden to %s", booking.ID, booking.PaymentRef, target)

	if target == domain.PaymentStatusSucceeded {
		return s.settle(ctx, booking.PaymentRef, domain.PaymentStatusSucceeded, nil, 0, booking.IsMobile)
	}
	return booking, nil
}

// settle is the single choke point. No other route may mutate a booking or
// trigger a notification.
func (s *SettlementService) settle(ctx context.Context, ref string, outcome domain.PaymentStatus, details *BookingDetails, amountMinor int64, isMobile bool) (*domain.Booking, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidInput)
	}

	seed := bookingSeed(ref, details, amountMinor, isMobile)

	booking, created, err := s.bookings.FindOrCreate(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("settle %s: find or create: %w", ref, err)
	}

	// A webhook may have created the row before the client's report carried
	// the guest details; stored details are never dropped.
	if !created && details != nil && !booking.HasDetails() {
		booking, err = s.bookings.FillDetails(ctx, ref, seed)
		if err != nil {
			return nil, fmt.Errorf("settle %s: fill details: %w", ref, err)
		}
	}

	if outcome != domain.PaymentStatusProcessing {
		booking, err = s.bookings.ApplyOutcome(ctx, ref, outcome)
		if err != nil {
			return nil, fmt.Errorf("settle %s: apply outcome: %w", ref, err)
		}
	}

	if booking.PaymentStatus == domain.PaymentStatusFailed && outcome == domain.PaymentStatusFailed {
		log.Printf("WARNING: payment failed for %s; decremented accommodation inventory is not released", ref)
	}

	if booking.PaymentStatus == domain.PaymentStatusSucceeded {
		if err := s.notify(ctx, booking); err != nil {
			return nil, fmt.Errorf("settle %s: %w", ref, err)
		}
		booking, err = s.bookings.GetByPaymentRef(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("settle %s: reload: %w", ref, err)
		}
	}

	s.publish(ctx, booking)
	return booking, nil
}

// notify runs the at-most-once sends. Each flag is claimed with a store-side
// compare-and-set; only the winner sends, and a failed send releases the
// claim so any later settlement retries. Send failures are not settlement
// failures; store failures are.
func (s *SettlementService) notify(ctx context.Context, booking *domain.Booking) error {
	if s.notifier == nil {
		return nil
	}
	if !booking.HasDetails() {
		// Webhook-created row with no guest details yet; the send happens
		// when the details arrive or the resend sweep picks it up.
		log.Printf("booking %s succeeded without details; notifications deferred", booking.PaymentRef)
		return nil
	}

	if err := s.notifyOne(ctx, booking, domain.NotificationCustomer, s.notifier.SendCustomerConfirmation); err != nil {
		return err
	}
	return s.notifyOne(ctx, booking, domain.NotificationAdmin, s.notifier.SendAdminAlert)
}

// notifyOne runs one claim-send-record round. A failed send releases the
// claim; a successful send records the message id so the claim is
// distinguishable from one whose holder died mid-send (those are reaped by
// the sweep after staleClaimAge).
func (s *SettlementService) notifyOne(
	ctx context.Context,
	booking *domain.Booking,
	kind domain.NotificationKind,
	send func(context.Context, *domain.Booking) (string, error),
) error {
	won, err := s.bookings.ClaimNotification(ctx, booking.PaymentRef, kind)
	if err != nil {
		return fmt.Errorf("claim %s notification: %w", kind, err)
	}
	if !won {
		return nil
	}

	messageID, sendErr := send(ctx, booking)
	if sendErr != nil {
		log.Printf("%s notification for %s failed: %v", kind, booking.PaymentRef, sendErr)
		if relErr := s.bookings.ReleaseNotification(ctx, booking.PaymentRef, kind); relErr != nil {
			return fmt.Errorf("release %s notification: %w", kind, relErr)
		}
		return nil
	}

	if err := s.bookings.RecordNotificationResult(ctx, booking.PaymentRef, kind, messageID); err != nil {
		// The send happened; without the message id the claim looks stale and
		// may be reaped into one duplicate send later. Prefer that over
		// failing the settlement.
		log.Printf("WARNING: could not record %s message id %s for %s: %v", kind, messageID, booking.PaymentRef, err)
	}
	return nil
}

func (s *SettlementService) publish(ctx context.Context, booking *domain.Booking) {
	if s.producer == nil || s.notificationsTopic == "" {
		return
	}
	if !booking.PaymentStatus.Terminal() {
		return
	}

	eventType := "booking_settled"
	if booking.PaymentStatus == domain.PaymentStatusFailed {
		eventType = "payment_failed"
	}
	event := kafka.SettlementEvent{
		Type:             eventType,
		PaymentRef:       booking.PaymentRef,
		Email:            booking.Email,
		Status:           string(booking.PaymentStatus),
		TotalAmountMinor: booking.TotalAmountMinor,
		IsMobile:         booking.IsMobile,
		OccurredAt:       time.Now().UTC(),
	}
	if err := s.producer.Publish(ctx, s.notificationsTopic, booking.PaymentRef, event); err != nil {
		log.Printf("WARNING: failed to publish %s event for %s: %v", eventType, booking.PaymentRef, err)
	}
}

func validateDetails(amountMinor int64, details BookingDetails) error {
	if amountMinor <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if details.FullName == "" {
		return fmt.Errorf("%w: full name is required", ErrInvalidInput)
	}
	if details.Email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	return nil
}

func bookingSeed(ref string, details *BookingDetails, amountMinor int64, isMobile bool) *domain.Booking {
	seed := &domain.Booking{
		PaymentRef:       ref,
		PaymentStatus:    domain.PaymentStatusProcessing,
		TotalAmountMinor: amountMinor,
		IsMobile:         isMobile,
	}
	if details != nil {
		seed.FullName = details.FullName
		seed.Email = details.Email
		seed.Mobile = details.Mobile
		seed.Accommodations = details.Accommodations
		seed.SpecialRequirements = details.SpecialRequirements
	}
	return seed
}

func outcomeFromIntentStatus(status string) domain.PaymentStatus {
	switch status {
	case "succeeded":
		return domain.PaymentStatusSucceeded
	case "canceled":
		return domain.PaymentStatusFailed
	default:
		// requires_payment_method, requires_confirmation, requires_action,
		// processing: the charge is still in flight.
		return domain.PaymentStatusProcessing
	}
}

func summaryOf(booking *domain.Booking) *BookingSummary {
	return &BookingSummary{
		FullName:            booking.FullName,
		Email:               booking.Email,
		Mobile:              booking.Mobile,
		Accommodations:      booking.Accommodations,
		SpecialRequirements: booking.SpecialRequirements,
		PaymentID:           booking.PaymentRef,
		PaymentStatus:       string(booking.PaymentStatus),
		TotalAmountMinor:    booking.TotalAmountMinor,
		BookingDate:         booking.BookingDate,
	}
}

var _ SettlementUseCase = (*SettlementService)(nil)

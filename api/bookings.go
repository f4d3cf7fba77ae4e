package api

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/threedegreeseast/retreatbooking/internal/domain"
	"github.com/threedegreeseast/retreatbooking/internal/payments"
	"github.com/threedegreeseast/retreatbooking/internal/repository"
	"github.com/threedegreeseast/retreatbooking/internal/service/settlement"
)

type BookingHandler struct {
	service settlement.SettlementUseCase
}

func NewBookingHandler(service settlement.SettlementUseCase) *BookingHandler {
	return &BookingHandler{service: service}
}

func (h *BookingHandler) Register(router *gin.RouterGroup) {
	router.POST("/create-payment", h.createPayment)
	router.POST("/setup-payment-intent", h.setupPaymentIntent)
	router.POST("/payment-result", h.paymentResult)
	router.POST("/webhook", h.webhook)
	router.GET("/booking-details", h.bookingDetails)
	router.POST("/resend-notifications", h.resendNotifications)
	router.GET("/ping", h.ping)

	router.GET("/bookings", h.listBookings)
	router.GET("/bookings/:id", h.bookingByID)
	router.POST("/bookings/by-email", h.bookingsByEmail)
	router.PATCH("/bookings/:id/status", h.updateBookingStatus)
}

type customerInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type bookingDetailsRequest struct {
	FullName            string                                `json:"fullName"`
	Email               string                                `json:"email"`
	Mobile              string                                `json:"mobile"`
	Accommodations      map[string]domain.AccommodationChoice `json:"accommodations"`
	SpecialRequirements string                                `json:"specialRequirements"`
}

func (r bookingDetailsRequest) toDetails() settlement.BookingDetails {
	return settlement.BookingDetails{
		FullName:            r.FullName,
		Email:               r.Email,
		Mobile:              r.Mobile,
		Accommodations:      r.Accommodations,
		SpecialRequirements: r.SpecialRequirements,
	}
}

type createPaymentRequest struct {
	Amount          float64               `json:"amount"`
	PaymentMethodID string                `json:"paymentMethodId"`
	CustomerInfo    customerInfo          `json:"customerInfo"`
	BookingDetails  bookingDetailsRequest `json:"bookingDetails"`
	IsMobile        bool                  `json:"isMobile"`
}

type setupPaymentRequest struct {
	Amount         float64               `json:"amount"`
	CustomerInfo   customerInfo          `json:"customerInfo"`
	BookingDetails bookingDetailsRequest `json:"bookingDetails"`
}

type paymentResultRequest struct {
	PaymentIntentID string                 `json:"paymentIntentId"`
	Status          string                 `json:"status"`
	Amount          float64                `json:"amount"`
	BookingDetails  *bookingDetailsRequest `json:"bookingDetails"`
}

type bookingSummaryResponse struct {
	FullName            string                                `json:"fullName"`
	Email               string                                `json:"email"`
	Mobile              string                                `json:"mobile"`
	Accommodations      map[string]domain.AccommodationChoice `json:"accommodations"`
	SpecialRequirements string                                `json:"specialRequirements,omitempty"`
	PaymentID           string                                `json:"paymentId"`
	PaymentStatus       string                                `json:"paymentStatus"`
	Total               float64                               `json:"total"`
	BookingDate         string                                `json:"bookingDate"`
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
}

// adminBookingResponse is the administrative view: unlike the public summary
// it includes the payment reference bookkeeping and notification flags.
type adminBookingResponse struct {
	ID                  int64                                 `json:"id"`
	FullName            string                                `json:"fullName"`
	Email               string                                `json:"email"`
	Mobile              string                                `json:"mobile"`
	Accommodations      map[string]domain.AccommodationChoice `json:"accommodations"`
	SpecialRequirements string                                `json:"specialRequirements,omitempty"`
	Total               float64                               `json:"total"`
	PaymentRef          string                                `json:"paymentRef"`
	PaymentStatus       string                                `json:"paymentStatus"`
	CustomerEmailSent   bool                                  `json:"customerEmailSent"`
	AdminNotified       bool                                  `json:"adminNotified"`
	IsMobile            bool                                  `json:"isMobile"`
	BookingDate         string                                `json:"bookingDate"`
	CreatedAt           string                                `json:"createdAt"`
}

func (h *BookingHandler) createPayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	summary, err := h.service.DirectCharge(c.Request.Context(), settlement.DirectChargeInput{
		AmountMinor:     toMinorUnits(req.Amount),
		PaymentMethodID: req.PaymentMethodID,
		Details:         req.BookingDetails.toDetails(),
		IsMobile:        req.IsMobile,
	})
	if err != nil {
		respondError(c, statusForError(err), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "bookingSummary": summaryResponse(summary)})
}

func (h *BookingHandler) setupPaymentIntent(c *gin.Context) {
	var req setupPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	result, err := h.service.SetupDeferred(c.Request.Context(), settlement.SetupInput{
		AmountMinor: toMinorUnits(req.Amount),
		Details:     req.BookingDetails.toDetails(),
	})
	if err != nil {
		respondError(c, statusForError(err), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"clientSecret":    result.ClientSecret,
		"paymentIntentId": result.PaymentIntentID,
	})
}

func (h *BookingHandler) paymentResult(c *gin.Context) {
	var req paymentResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	report := settlement.OutcomeReport{
		PaymentIntentID: req.PaymentIntentID,
		IntentStatus:    req.Status,
		AmountMinor:     toMinorUnits(req.Amount),
	}
	if req.BookingDetails != nil {
		details := req.BookingDetails.toDetails()
		report.Details = &details
	}

	summary, err := h.service.ReportOutcome(c.Request.Context(), report)
	if err != nil {
		respondError(c, statusForError(err), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "bookingSummary": summaryResponse(summary)})
}

// webhook needs the byte-exact raw body: the signature covers the payload as
// sent, so no binding middleware may touch it first.
func (h *BookingHandler) webhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "Webhook Error: %v", err)
		return
	}

	err = h.service.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrSignatureInvalid) {
			c.String(http.StatusBadRequest, "Webhook Error: %v", err)
			return
		}
		// Anything else (store down, provider hiccup) must make the provider
		// redeliver, so it is a 5xx rather than a swallowed 200.
		c.String(http.StatusInternalServerError, "Webhook Error: %v", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *BookingHandler) bookingDetails(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "No session ID provided"})
		return
	}

	summary, err := h.service.BookingBySession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Booking not found"})
			return
		}
		c.JSON(statusForError(err), gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "bookingSummary": summaryResponse(summary)})
}

func (h *BookingHandler) resendNotifications(c *gin.Context) {
	resent, err := h.service.ResendPending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resent": resent})
}

func (h *BookingHandler) listBookings(c *gin.Context) {
	bookings, err := h.service.ListBookings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Server Error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(bookings), "data": adminResponses(bookings)})
}

func (h *BookingHandler) bookingByID(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid booking id"})
		return
	}

	booking, err := h.service.BookingByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Booking not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Server Error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": adminResponse(booking)})
}

func (h *BookingHandler) bookingsByEmail(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Please provide an email"})
		return
	}

	bookings, err := h.service.BookingsByEmail(c.Request.Context(), req.Email)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(bookings), "data": adminResponses(bookings)})
}

func (h *BookingHandler) updateBookingStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid booking id"})
		return
	}

	var req struct {
		PaymentStatus string `json:"paymentStatus"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.PaymentStatus == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Please provide a payment status"})
		return
	}

	booking, err := h.service.OverrideStatus(c.Request.Context(), id, req.PaymentStatus)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Booking not found"})
			return
		}
		c.JSON(statusForError(err), gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": adminResponse(booking)})
}

func (h *BookingHandler) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Server is running",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// statusForError separates the caller's mistakes (bad input, provider
// rejection) from the server's own failures, which must surface as 5xx.
func statusForError(err error) int {
	var providerErr *payments.ProviderError
	if errors.As(err, &providerErr) || errors.Is(err, settlement.ErrInvalidInput) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, status int, err error) {
	body := errorBody{Message: err.Error(), Code: "unknown", Type: "general_error"}

	var providerErr *payments.ProviderError
	if errors.As(err, &providerErr) {
		body.Message = providerErr.Message
		body.Code = providerErr.Code
		body.Type = providerErr.Type
	}

	c.JSON(status, gin.H{"error": body})
}

func summaryResponse(summary *settlement.BookingSummary) bookingSummaryResponse {
	return bookingSummaryResponse{
		FullName:            summary.FullName,
		Email:               summary.Email,
		Mobile:              summary.Mobile,
		Accommodations:      summary.Accommodations,
		SpecialRequirements: summary.SpecialRequirements,
		PaymentID:           summary.PaymentID,
		PaymentStatus:       summary.PaymentStatus,
		Total:               float64(summary.TotalAmountMinor) / 100,
		BookingDate:         summary.BookingDate.Format(time.RFC3339),
	}
}

func adminResponse(booking *domain.Booking) adminBookingResponse {
	return adminBookingResponse{
		ID:                  booking.ID,
		FullName:            booking.FullName,
		Email:               booking.Email,
		Mobile:              booking.Mobile,
		Accommodations:      booking.Accommodations,
		SpecialRequirements: booking.SpecialRequirements,
		Total:               float64(booking.TotalAmountMinor) / 100,
		PaymentRef:          booking.PaymentRef,
		PaymentStatus:       string(booking.PaymentStatus),
		CustomerEmailSent:   booking.CustomerEmailSent,
		AdminNotified:       booking.AdminNotified,
		IsMobile:            booking.IsMobile,
		BookingDate:         booking.BookingDate.Format(time.RFC3339),
		CreatedAt:           booking.CreatedAt.Format(time.RFC3339),
	}
}

func adminResponses(bookings []domain.Booking) []adminBookingResponse {
	responses := make([]adminBookingResponse, 0, len(bookings))
	for i := range bookings {
		responses = append(responses, adminResponse(&bookings[i]))
	}
	return responses
}

// toMinorUnits converts the boundary's decimal pounds to integer pence.
func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

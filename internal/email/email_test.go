package email

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/threedegreeseast/retreatbooking/config"
	"github.com/threedegreeseast/retreatbooking/internal/domain"
)

type capturedMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func capturingSender(cfg config.EmailConfig, captured *[]capturedMail, fail bool) *Sender {
	sender := NewSender(cfg, "", "")
	sender.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		if fail {
			return errors.New("connection refused")
		}
		*captured = append(*captured, capturedMail{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	return sender
}

func sampleBooking() *domain.Booking {
	return &domain.Booking{
		FullName: "Asha Verma",
		Email:    "asha@example.com",
		Mobile:   "+447700900123",
		Accommodations: map[string]domain.AccommodationChoice{
			"single": {Selected: true, Quantity: 2},
			"double": {Selected: false, Quantity: 1},
		},
		SpecialRequirements: "vegetarian meals",
		PaymentRef:          "pi_abc123",
		TotalAmountMinor:    180000,
		BookingDate:         time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSender_SendCustomerConfirmation(t *testing.T) {
	var captured []capturedMail
	cfg := config.EmailConfig{Host: "smtp.example.com", Port: 587, From: "bookings@example.com"}
	sender := capturingSender(cfg, &captured, false)

	messageID, err := sender.SendCustomerConfirmation(context.Background(), sampleBooking())

	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(messageID, "<"))
	assert.Contains(t, messageID, "@retreatbooking>")

	assert.Len(t, captured, 1)
	mail := captured[0]
	assert.Equal(t, "smtp.example.com:587", mail.addr)
	assert.Equal(t, "bookings@example.com", mail.from)
	assert.Equal(t, []string{"asha@example.com"}, mail.to)

	assert.Contains(t, mail.msg, "Subject: Your Retreat Booking Confirmation")
	assert.Contains(t, mail.msg, "Namaste Asha Verma")
	assert.Contains(t, mail.msg, "Payment reference: pi_abc123")
	assert.Contains(t, mail.msg, "Single Occupancy x 2: £1800.00")
	// Unselected options never appear.
	assert.NotContains(t, mail.msg, "Double Occupancy")
	assert.Contains(t, mail.msg, "Total: £1800.00")
	assert.Contains(t, mail.msg, "Special requirements: vegetarian meals")
}

func TestSender_SendAdminAlert(t *testing.T) {
	var captured []capturedMail
	cfg := config.EmailConfig{
		Host:        "smtp.example.com",
		Port:        587,
		From:        "bookings@example.com",
		AdminEmails: []string{"owner@example.com", "office@example.com"},
	}
	sender := capturingSender(cfg, &captured, false)

	_, err := sender.SendAdminAlert(context.Background(), sampleBooking())

	assert.NoError(t, err)
	assert.Len(t, captured, 1)
	mail := captured[0]
	assert.Equal(t, []string{"owner@example.com", "office@example.com"}, mail.to)
	assert.Contains(t, mail.msg, "Subject: New Booking: Asha Verma")
	assert.Contains(t, mail.msg, "Guest: Asha Verma")
	assert.Contains(t, mail.msg, "Mobile: +447700900123")
}

func TestSender_SendAdminAlert_NoRecipients(t *testing.T) {
	var captured []capturedMail
	sender := capturingSender(config.EmailConfig{Host: "smtp.example.com", Port: 587}, &captured, false)

	_, err := sender.SendAdminAlert(context.Background(), sampleBooking())

	assert.EqualError(t, err, "no admin emails configured")
	assert.Len(t, captured, 0)
}

func TestSender_SendFailure(t *testing.T) {
	var captured []capturedMail
	sender := capturingSender(config.EmailConfig{Host: "smtp.example.com", Port: 587}, &captured, true)

	messageID, err := sender.SendCustomerConfirmation(context.Background(), sampleBooking())

	assert.Error(t, err)
	assert.Empty(t, messageID)
}

func TestSender_CancelledContext(t *testing.T) {
	var captured []capturedMail
	sender := capturingSender(config.EmailConfig{Host: "smtp.example.com", Port: 587}, &captured, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sender.SendCustomerConfirmation(ctx, sampleBooking())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, captured, 0)
}

func TestFormatGBP(t *testing.T) {
	assert.Equal(t, "£900.00", formatGBP(90000))
	assert.Equal(t, "£19.99", formatGBP(1999))
	assert.Equal(t, "£0.00", formatGBP(0))
}

func TestAccommodationLines_UnknownOptionFallsBackToID(t *testing.T) {
	booking := &domain.Booking{
		Accommodations: map[string]domain.AccommodationChoice{
			"yurt": {Selected: true, Quantity: 1},
		},
	}

	lines := accommodationLines(booking)

	assert.Contains(t, lines, "yurt x 1")
}

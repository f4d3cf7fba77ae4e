package email

import (
	"context"
	"fmt"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/threedegreeseast/retreatbooking/config"
	"github.com/threedegreeseast/retreatbooking/internal/domain"
)

type accommodationInfo struct {
	Name       string
	PriceMinor int64
}

// Retreat pricing as shown in the confirmation emails. Quantities come from
// the booking; the stored total stays authoritative for the charge itself.
var catalog = map[string]accommodationInfo{
	"single": {Name: "Single Occupancy", PriceMinor: 90000},
	"double": {Name: "Double Occupancy", PriceMinor: 110000},
}

// Sender delivers booking notifications over SMTP. Both sends are best-effort
// and independently retryable; the settlement engine owns the bookkeeping of
// whether a send already happened.
type Sender struct {
	cfg      config.EmailConfig
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSender(cfg config.EmailConfig, user, password string) *Sender {
	var auth smtp.Auth
	if user != "" {
		auth = smtp.PlainAuth("", user, password, cfg.Host)
	}
	return &Sender{
		cfg:      cfg,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

func (s *Sender) SendCustomerConfirmation(ctx context.Context, booking *domain.Booking) (string, error) {
	subject := "Your Retreat Booking Confirmation"
	body := customerBody(booking)
	return s.send(ctx, []string{booking.Email}, subject, body)
}

func (s *Sender) SendAdminAlert(ctx context.Context, booking *domain.Booking) (string, error) {
	if len(s.cfg.AdminEmails) == 0 {
		return "", fmt.Errorf("no admin emails configured")
	}
	subject := fmt.Sprintf("New Booking: %s", booking.FullName)
	body := adminBody(booking)
	return s.send(ctx, s.cfg.AdminEmails, subject, body)
}

func (s *Sender) send(ctx context.Context, to []string, subject, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	messageID := fmt.Sprintf("<%s@retreatbooking>", uuid.NewString())
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: Three Degrees East <%s>\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := s.sendMail(addr, s.auth, s.cfg.From, to, []byte(msg.String())); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	return messageID, nil
}

func customerBody(booking *domain.Booking) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Namaste %s,\n\n", booking.FullName)
	b.WriteString("Thank you for booking your retreat with Three Degrees East.\n\n")
	fmt.Fprintf(&b, "Booking date: %s\n", booking.BookingDate.Format("Monday, 2 January 2006"))
	fmt.Fprintf(&b, "Payment reference: %s\n\n", booking.PaymentRef)
	b.WriteString(accommodationLines(booking))
	fmt.Fprintf(&b, "Total: %s\n", formatGBP(booking.TotalAmountMinor))
	if booking.SpecialRequirements != "" {
		fmt.Fprintf(&b, "\nSpecial requirements: %s\n", booking.SpecialRequirements)
	}
	b.WriteString("\nWe look forward to welcoming you.\n")
	return b.String()
}

func adminBody(booking *domain.Booking) string {
	var b strings.Builder
	b.WriteString("A new booking has been paid.\n\n")
	fmt.Fprintf(&b, "Guest: %s\n", booking.FullName)
	fmt.Fprintf(&b, "Email: %s\n", booking.Email)
	fmt.Fprintf(&b, "Mobile: %s\n", booking.Mobile)
	fmt.Fprintf(&b, "Payment reference: %s\n", booking.PaymentRef)
	fmt.Fprintf(&b, "Mobile flow: %v\n\n", booking.IsMobile)
	b.WriteString(accommodationLines(booking))
	fmt.Fprintf(&b, "Total: %s\n", formatGBP(booking.TotalAmountMinor))
	if booking.SpecialRequirements != "" {
		fmt.Fprintf(&b, "\nSpecial requirements: %s\n", booking.SpecialRequirements)
	}
	return b.String()
}

func accommodationLines(booking *domain.Booking) string {
	ids := make([]string, 0, len(booking.Accommodations))
	for id := range booking.Accommodations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		choice := booking.Accommodations[id]
		if !choice.Selected || choice.Quantity <= 0 {
			continue
		}
		info, ok := catalog[id]
		if !ok {
			info = accommodationInfo{Name: id}
		}
		fmt.Fprintf(&b, "%s x %d: %s\n", info.Name, choice.Quantity, formatGBP(info.PriceMinor*int64(choice.Quantity)))
	}
	return b.String()
}

func formatGBP(minor int64) string {
	return fmt.Sprintf("£%.2f", float64(minor)/100)
}

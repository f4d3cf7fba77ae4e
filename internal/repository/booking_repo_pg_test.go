package repository

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/threedegreeseast/retreatbooking/internal/domain"
)

func TestNewBookingRepository(t *testing.T) {
	pool := &pgxpool.Pool{}
	repo := NewBookingRepository(pool)
	assert.NotNil(t, repo)
}

func TestNotificationColumn(t *testing.T) {
	column, err := notificationColumn(domain.NotificationCustomer)
	assert.NoError(t, err)
	assert.Equal(t, "customer_email_sent", column)

	column, err = notificationColumn(domain.NotificationAdmin)
	assert.NoError(t, err)
	assert.Equal(t, "admin_notified", column)

	_, err = notificationColumn(domain.NotificationKind("sms"))
	assert.Error(t, err)
}

func TestMessageColumn(t *testing.T) {
	column, err := messageColumn(domain.NotificationCustomer)
	assert.NoError(t, err)
	assert.Equal(t, "customer_email_message_id", column)

	column, err = messageColumn(domain.NotificationAdmin)
	assert.NoError(t, err)
	assert.Equal(t, "admin_message_id", column)

	_, err = messageColumn(domain.NotificationKind("sms"))
	assert.Error(t, err)
}

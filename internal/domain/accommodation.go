package domain

import "time"

type AccommodationOption struct {
	ID             string
	Name           string
	PriceMinor     int64
	AvailableCount int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

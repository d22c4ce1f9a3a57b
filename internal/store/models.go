package store

import "time"

type User struct {
	ID             string    `json:"id"` // Using UUID for external references
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt      time.Time `json:"created_at"`
}

type Subscription struct {
	UserID           string    `json:"user_id"`
	Status           string    `json:"status"` // "active", "canceled", "past_due"
	CurrentPeriodEnd time.Time `json:"current_period_end"`
}

const SubscriptionActive = "active"

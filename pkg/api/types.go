package api

import "time"

// CheckoutRequest is the body of POST /checkout.
type CheckoutRequest struct {
	PriceID string `json:"priceId"`
}

// SessionResponse carries a hosted session redirect URL.
type SessionResponse struct {
	URL string `json:"url"`
}

// SubscriptionResponse is the projected subscription record for a user.
type SubscriptionResponse struct {
	PlanID         string     `json:"planId"`
	PlanName       string     `json:"planName"`
	PlanPrice      int64      `json:"planPrice"`
	Status         string     `json:"status"`
	SubscriptionID string     `json:"subscriptionId"`
	StartDate      time.Time  `json:"startDate"`
	EndDate        time.Time  `json:"endDate"`
	CanceledAt     *time.Time `json:"canceledAt,omitempty"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

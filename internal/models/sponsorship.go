package models

import (
	"fmt"
	"strings"
	"time"
)

type SponsorshipStatus string

const (
	SponsorshipPending   SponsorshipStatus = "pending"
	SponsorshipConfirmed SponsorshipStatus = "confirmed"
	SponsorshipLogged    SponsorshipStatus = "logged"
	SponsorshipCompleted SponsorshipStatus = "completed"
	SponsorshipCancelled SponsorshipStatus = "cancelled"
)

// Active reports whether the sponsorship still holds its child.
func (s SponsorshipStatus) Active() bool {
	return s != SponsorshipCancelled
}

func ParseSponsorshipStatus(s string) (SponsorshipStatus, error) {
	switch st := SponsorshipStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case SponsorshipPending, SponsorshipConfirmed, SponsorshipLogged, SponsorshipCompleted, SponsorshipCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown sponsorship status %q", s)
}

type GiftPreference string

const (
	GiftUnwrapped GiftPreference = "unwrapped"
	GiftWrapped   GiftPreference = "wrapped"
	GiftCard      GiftPreference = "gift_card"
)

func ParseGiftPreference(s string) (GiftPreference, error) {
	switch GiftPreference(strings.ToLower(strings.TrimSpace(s))) {
	case "", GiftUnwrapped:
		return GiftUnwrapped, nil
	case GiftWrapped:
		return GiftWrapped, nil
	case GiftCard:
		return GiftCard, nil
	}
	return "", fmt.Errorf("unknown gift preference %q", s)
}

type Sponsorship struct {
	ID                 int64             `db:"id" json:"id"`
	ChildID            int64             `db:"child_id" json:"child_id"`
	SponsorName        string            `db:"sponsor_name" json:"sponsor_name"`
	SponsorEmail       string            `db:"sponsor_email" json:"sponsor_email"`
	SponsorPhone       string            `db:"sponsor_phone" json:"sponsor_phone,omitempty"`
	SponsorAddress     string            `db:"sponsor_address" json:"sponsor_address,omitempty"`
	GiftPreference     GiftPreference    `db:"gift_preference" json:"gift_preference"`
	Message            string            `db:"message" json:"message,omitempty"`
	Status             SponsorshipStatus `db:"status" json:"status"`
	RequestedAt        time.Time         `db:"requested_at" json:"requested_at"`
	ConfirmedAt        *time.Time        `db:"confirmed_at" json:"confirmed_at,omitempty"`
	LoggedAt           *time.Time        `db:"logged_at" json:"logged_at,omitempty"`
	CompletedAt        *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt        *time.Time        `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancellationReason string            `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updated_at"`
}

// SponsorData is what a visitor types into the sponsorship form.
type SponsorData struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Phone          string `json:"phone,omitempty"`
	Address        string `json:"address,omitempty"`
	GiftPreference string `json:"gift_preference,omitempty"`
	Message        string `json:"message,omitempty"`
}

// SponsorshipDetails is the hydrated record handed to notifiers and exports.
type SponsorshipDetails struct {
	Sponsorship Sponsorship `json:"sponsorship"`
	Child       Child       `json:"child"`
}

type SponsorshipFilter struct {
	Statuses        []SponsorshipStatus
	ChildID         int64
	Email           string
	RequestedBefore time.Time
	Limit           int
	Offset          int
}

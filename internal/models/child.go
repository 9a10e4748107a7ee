package models

import (
	"fmt"
	"strings"
	"time"
)

type ChildStatus string

const (
	ChildAvailable ChildStatus = "available"
	ChildPending   ChildStatus = "pending"
	ChildConfirmed ChildStatus = "confirmed"
	ChildLogged    ChildStatus = "logged"
	ChildCompleted ChildStatus = "completed"
	ChildInactive  ChildStatus = "inactive"
)

// ParseChildStatus accepts the legacy spellings "selected" and "sponsored"
// that still show up in imported spreadsheets.
func ParseChildStatus(s string) (ChildStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "available":
		return ChildAvailable, nil
	case "pending", "selected":
		return ChildPending, nil
	case "confirmed", "sponsored":
		return ChildConfirmed, nil
	case "logged":
		return ChildLogged, nil
	case "completed":
		return ChildCompleted, nil
	case "inactive":
		return ChildInactive, nil
	}
	return "", fmt.Errorf("unknown child status %q", s)
}

type Child struct {
	ID            int64       `db:"id" json:"id"`
	FamilyID      int64       `db:"family_id" json:"family_id"`
	FamilyNumber  string      `db:"family_number" json:"family_number"`
	Letter        string      `db:"letter" json:"letter"`
	AgeMonths     int         `db:"age_months" json:"age_months"`
	Gender        string      `db:"gender" json:"gender"`
	Grade         string      `db:"grade" json:"grade,omitempty"`
	Interests     string      `db:"interests" json:"interests,omitempty"`
	WishList      string      `db:"wish_list" json:"wish_list,omitempty"`
	Needs         string      `db:"needs" json:"needs,omitempty"`
	ClothingPants string      `db:"clothing_pants" json:"clothing_pants,omitempty"`
	ClothingShirt string      `db:"clothing_shirt" json:"clothing_shirt,omitempty"`
	ShoeSize      string      `db:"shoe_size" json:"shoe_size,omitempty"`
	SpecialNeeds  string      `db:"special_needs" json:"special_needs,omitempty"`
	Status        ChildStatus `db:"status" json:"status"`
	ReservedAt    *time.Time  `db:"reserved_at" json:"reserved_at,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// DisplayID is the identifier volunteers use on tags and spreadsheets, e.g. "175A".
func (c Child) DisplayID() string {
	return c.FamilyNumber + strings.ToUpper(c.Letter)
}

func (c Child) AgeYears() int {
	return c.AgeMonths / 12
}

// AgeLabel prints infants in months and everyone else in years.
func (c Child) AgeLabel() string {
	if c.AgeMonths < 24 {
		return fmt.Sprintf("%d months", c.AgeMonths)
	}
	return fmt.Sprintf("%d years", c.AgeYears())
}

// ChildFilter narrows ListChildren. Zero values mean "any".
type ChildFilter struct {
	Statuses     []ChildStatus
	Gender       string
	MinAgeMonths int
	MaxAgeMonths int
	FamilyID     int64
	Limit        int
	Offset       int
}

package models

import "time"

// Family groups siblings that share a household.
type Family struct {
	ID           int64     `db:"id" json:"id"`
	FamilyNumber string    `db:"family_number" json:"family_number"`
	Notes        string    `db:"notes" json:"notes,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type FamilyWithChildren struct {
	Family   Family  `json:"family"`
	Children []Child `json:"children"`
}

// AvailableCount is used by the family page to offer "sponsor the whole family".
func (f FamilyWithChildren) AvailableCount() int {
	n := 0
	for _, c := range f.Children {
		if c.Status == ChildAvailable {
			n++
		}
	}
	return n
}

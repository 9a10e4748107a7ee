package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/christmasforkids/cfk-sponsorship/internal/models"
)

// EnsureFamily returns the id of the family with this number, creating it if needed.
func EnsureFamily(ctx context.Context, q Querier, familyNumber string) (int64, error) {
	familyNumber = strings.TrimSpace(familyNumber)
	if familyNumber == "" {
		return 0, fmt.Errorf("empty family number")
	}
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO families (family_number)
		VALUES ($1)
		ON CONFLICT (family_number) DO UPDATE SET family_number = EXCLUDED.family_number
		RETURNING id
	`, familyNumber).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure family %s: %w", familyNumber, err)
	}
	return id, nil
}

func GetFamilyByNumber(ctx context.Context, q Querier, familyNumber string) (*models.Family, error) {
	var f models.Family
	err := q.QueryRowContext(ctx, `
		SELECT id, family_number, notes, created_at
		FROM families
		WHERE family_number = $1
	`, strings.TrimSpace(familyNumber)).Scan(&f.ID, &f.FamilyNumber, &f.Notes, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFamilyWithChildren backs the sibling view.
func GetFamilyWithChildren(ctx context.Context, q Querier, familyNumber string) (*models.FamilyWithChildren, error) {
	f, err := GetFamilyByNumber(ctx, q, familyNumber)
	if err != nil {
		return nil, err
	}
	kids, err := ListChildren(ctx, q, models.ChildFilter{FamilyID: f.ID})
	if err != nil {
		return nil, err
	}
	return &models.FamilyWithChildren{Family: *f, Children: kids}, nil
}

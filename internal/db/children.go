package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/christmasforkids/cfk-sponsorship/internal/models"
)

const childColumns = `
	c.id, c.family_id, f.family_number, c.letter, c.age_months, c.gender, c.grade,
	c.interests, c.wish_list, c.needs, c.clothing_pants, c.clothing_shirt, c.shoe_size,
	c.special_needs, c.status, c.reserved_at, c.created_at, c.updated_at`

const childFrom = `
	FROM children c
	JOIN families f ON f.id = c.family_id`

func scanChild(row rowScanner) (*models.Child, error) {
	var c models.Child
	err := row.Scan(&c.ID, &c.FamilyID, &c.FamilyNumber, &c.Letter, &c.AgeMonths, &c.Gender, &c.Grade,
		&c.Interests, &c.WishList, &c.Needs, &c.ClothingPants, &c.ClothingShirt, &c.ShoeSize,
		&c.SpecialNeeds, &c.Status, &c.ReservedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func GetChild(ctx context.Context, q Querier, id int64) (*models.Child, error) {
	return scanChild(q.QueryRowContext(ctx, `SELECT `+childColumns+childFrom+` WHERE c.id = $1`, id))
}

// GetChildForUpdate locks the child row until the surrounding transaction ends.
func GetChildForUpdate(ctx context.Context, q Querier, id int64) (*models.Child, error) {
	return scanChild(q.QueryRowContext(ctx, `SELECT `+childColumns+childFrom+` WHERE c.id = $1 FOR UPDATE OF c`, id))
}

// SwapChildStatus moves the child to `to` only if its current status is one of `from`.
// This is the compare-and-swap the reservation relies on: two racing callers both
// issue the UPDATE, the row lock serialises them and the loser sees zero rows.
func SwapChildStatus(ctx context.Context, q Querier, id int64, from []models.ChildStatus, to models.ChildStatus) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE children
		SET status = $1,
		    reserved_at = CASE WHEN $1 = 'pending' THEN now()
		                       WHEN $1 = 'available' THEN NULL
		                       ELSE reserved_at END,
		    updated_at = now()
		WHERE id = $2 AND status = ANY($3)
	`, string(to), id, pq.Array(childStatusStrings(from)))
	if err != nil {
		return false, fmt.Errorf("swap child %d status to %s: %w", id, to, err)
	}
	return affectedOne(res)
}

// SetChildStatus overwrites the status whatever it was. Reports false if the child does not exist.
func SetChildStatus(ctx context.Context, q Querier, id int64, to models.ChildStatus) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE children
		SET status = $1,
		    reserved_at = CASE WHEN $1 = 'pending' THEN now() ELSE NULL END,
		    updated_at = now()
		WHERE id = $2
	`, string(to), id)
	if err != nil {
		return false, fmt.Errorf("set child %d status to %s: %w", id, to, err)
	}
	return affectedOne(res)
}

// SwapHeldChild moves a pending child on only while it still carries the hold
// taken at heldAt. A hold that was released and taken again by someone else
// has a different reserved_at and is left alone.
func SwapHeldChild(ctx context.Context, q Querier, id int64, heldAt time.Time, to models.ChildStatus) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE children
		SET status = $1,
		    reserved_at = CASE WHEN $1 = 'available' THEN NULL ELSE reserved_at END,
		    updated_at = now()
		WHERE id = $2 AND status = 'pending' AND reserved_at = $3
	`, string(to), id, heldAt)
	if err != nil {
		return false, fmt.Errorf("swap held child %d to %s: %w", id, to, err)
	}
	return affectedOne(res)
}

// ExpireChildReservation releases a pending child only if it is still pending,
// was reserved before cutoff and no sponsorship request was ever attached to it.
// A fresh reservation or a submitted request is never swept.
func ExpireChildReservation(ctx context.Context, q Querier, id int64, cutoff time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE children
		SET status = 'available', reserved_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'pending'
		  AND (reserved_at IS NULL OR reserved_at < $2)
		  AND NOT EXISTS (
		      SELECT 1 FROM sponsorships s
		      WHERE s.child_id = children.id AND s.status <> 'cancelled'
		  )
	`, id, cutoff)
	if err != nil {
		return false, fmt.Errorf("expire child %d: %w", id, err)
	}
	return affectedOne(res)
}

// ListStaleReservations returns abandoned holds: pending children reserved before
// cutoff that have no active sponsorship. Oldest first.
func ListStaleReservations(ctx context.Context, q Querier, cutoff time.Time, limit int) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.id
		FROM children c
		WHERE c.status = 'pending' AND (c.reserved_at IS NULL OR c.reserved_at < $1)
		  AND NOT EXISTS (
		      SELECT 1 FROM sponsorships s
		      WHERE s.child_id = c.id AND s.status <> 'cancelled'
		  )
		ORDER BY c.reserved_at NULLS FIRST, c.id
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateChild inserts a child for an existing family. A repeated (family, letter)
// pair is reported as ErrDuplicate so imports can be re-run.
func CreateChild(ctx context.Context, q Querier, c *models.Child) (int64, error) {
	status := c.Status
	if status == "" {
		status = models.ChildAvailable
	}
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO children (
			family_id, letter, age_months, gender, grade, interests, wish_list, needs,
			clothing_pants, clothing_shirt, shoe_size, special_needs, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (family_id, letter) DO NOTHING
		RETURNING id
	`, c.FamilyID, c.Letter, c.AgeMonths, c.Gender, c.Grade, c.Interests, c.WishList, c.Needs,
		c.ClothingPants, c.ClothingShirt, c.ShoeSize, c.SpecialNeeds, string(status)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("insert child %s%s: %w", c.FamilyNumber, c.Letter, err)
	}
	return id, nil
}

// ListChildren is the browse query behind the public listing and the export.
func ListChildren(ctx context.Context, q Querier, f models.ChildFilter) ([]models.Child, error) {
	query := `SELECT ` + childColumns + childFrom + ` WHERE 1 = 1`
	var args []any
	idx := 1
	if len(f.Statuses) > 0 {
		query += fmt.Sprintf(" AND c.status = ANY($%d)", idx)
		args = append(args, pq.Array(childStatusStrings(f.Statuses)))
		idx++
	}
	if f.Gender != "" {
		query += fmt.Sprintf(" AND lower(c.gender) = lower($%d)", idx)
		args = append(args, f.Gender)
		idx++
	}
	if f.MinAgeMonths > 0 {
		query += fmt.Sprintf(" AND c.age_months >= $%d", idx)
		args = append(args, f.MinAgeMonths)
		idx++
	}
	if f.MaxAgeMonths > 0 {
		query += fmt.Sprintf(" AND c.age_months <= $%d", idx)
		args = append(args, f.MaxAgeMonths)
		idx++
	}
	if f.FamilyID > 0 {
		query += fmt.Sprintf(" AND c.family_id = $%d", idx)
		args = append(args, f.FamilyID)
		idx++
	}
	query += " ORDER BY f.family_number, c.letter"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, f.Offset)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.Child
	for rows.Next() {
		c, err := scanChild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func CountChildrenByStatus(ctx context.Context, q Querier) (map[models.ChildStatus]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, count(*) FROM children GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[models.ChildStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[models.ChildStatus(st)] = n
	}
	return out, rows.Err()
}

func childStatusStrings(xs []models.ChildStatus) []string {
	out := make([]string, len(xs))
	for i, s := range xs {
		out[i] = string(s)
	}
	return out
}

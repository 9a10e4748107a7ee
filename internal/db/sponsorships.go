package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/christmasforkids/cfk-sponsorship/internal/models"
)

const uniqueViolation = "23505"

const sponsorshipColumns = `
	s.id, s.child_id, s.sponsor_name, s.sponsor_email, s.sponsor_phone, s.sponsor_address,
	s.gift_preference, s.message, s.status, s.requested_at, s.confirmed_at, s.logged_at,
	s.completed_at, s.cancelled_at, s.cancellation_reason, s.updated_at`

func sponsorshipDest(s *models.Sponsorship) []any {
	return []any{&s.ID, &s.ChildID, &s.SponsorName, &s.SponsorEmail, &s.SponsorPhone, &s.SponsorAddress,
		&s.GiftPreference, &s.Message, &s.Status, &s.RequestedAt, &s.ConfirmedAt, &s.LoggedAt,
		&s.CompletedAt, &s.CancelledAt, &s.CancellationReason, &s.UpdatedAt}
}

func scanSponsorship(row rowScanner) (*models.Sponsorship, error) {
	var s models.Sponsorship
	err := row.Scan(sponsorshipDest(&s)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func GetSponsorship(ctx context.Context, q Querier, id int64) (*models.Sponsorship, error) {
	return scanSponsorship(q.QueryRowContext(ctx, `SELECT `+sponsorshipColumns+` FROM sponsorships s WHERE s.id = $1`, id))
}

func GetActiveSponsorshipForChild(ctx context.Context, q Querier, childID int64) (*models.Sponsorship, error) {
	return scanSponsorship(q.QueryRowContext(ctx, `
		SELECT `+sponsorshipColumns+`
		FROM sponsorships s
		WHERE s.child_id = $1 AND s.status <> 'cancelled'
		ORDER BY s.requested_at DESC
		LIMIT 1
	`, childID))
}

// InsertSponsorship reports ErrDuplicate when the child already has an active
// sponsorship (one_active_sponsorship_per_child).
func InsertSponsorship(ctx context.Context, q Querier, sp *models.Sponsorship) (int64, error) {
	status := sp.Status
	if status == "" {
		status = models.SponsorshipPending
	}
	gift := sp.GiftPreference
	if gift == "" {
		gift = models.GiftUnwrapped
	}
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO sponsorships (
			child_id, sponsor_name, sponsor_email, sponsor_phone, sponsor_address,
			gift_preference, message, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, sp.ChildID, sp.SponsorName, sp.SponsorEmail, sp.SponsorPhone, sp.SponsorAddress,
		string(gift), sp.Message, string(status)).Scan(&id)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return 0, fmt.Errorf("child %d already has an active sponsorship: %w", sp.ChildID, ErrDuplicate)
	}
	if err != nil {
		return 0, fmt.Errorf("insert sponsorship for child %d: %w", sp.ChildID, err)
	}
	return id, nil
}

// SwapSponsorshipStatus moves a sponsorship along its lifecycle only from one of the
// expected statuses. The timestamp columns follow the target status; moving back to
// confirmed (unlog) clears logged_at and leaves confirmed_at alone.
func SwapSponsorshipStatus(ctx context.Context, q Querier, id int64, from []models.SponsorshipStatus, to models.SponsorshipStatus, reason string) (bool, error) {
	args := []any{string(to), id, pq.Array(sponsorshipStatusStrings(from))}
	var stamp string
	switch to {
	case models.SponsorshipConfirmed:
		stamp = "confirmed_at = COALESCE(confirmed_at, now()), logged_at = NULL,"
	case models.SponsorshipLogged:
		stamp = "logged_at = now(),"
	case models.SponsorshipCompleted:
		stamp = "completed_at = now(),"
	case models.SponsorshipCancelled:
		stamp = "cancelled_at = now(), cancellation_reason = $4,"
		args = append(args, reason)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE sponsorships
		SET status = $1, `+stamp+` updated_at = now()
		WHERE id = $2 AND status = ANY($3)
	`, args...)
	if err != nil {
		return false, fmt.Errorf("swap sponsorship %d status to %s: %w", id, to, err)
	}
	return affectedOne(res)
}

// ListSponsorshipDetails joins sponsorships with their children for the admin list and the export.
func ListSponsorshipDetails(ctx context.Context, q Querier, f models.SponsorshipFilter) ([]models.SponsorshipDetails, error) {
	query := `SELECT ` + sponsorshipColumns + `, ` + childColumns + `
		FROM sponsorships s
		JOIN children c ON c.id = s.child_id
		JOIN families f ON f.id = c.family_id
		WHERE 1 = 1`
	var args []any
	idx := 1
	if len(f.Statuses) > 0 {
		query += fmt.Sprintf(" AND s.status = ANY($%d)", idx)
		args = append(args, pq.Array(sponsorshipStatusStrings(f.Statuses)))
		idx++
	}
	if f.ChildID > 0 {
		query += fmt.Sprintf(" AND s.child_id = $%d", idx)
		args = append(args, f.ChildID)
		idx++
	}
	if !f.RequestedBefore.IsZero() {
		query += fmt.Sprintf(" AND s.requested_at < $%d", idx)
		args = append(args, f.RequestedBefore)
		idx++
	}
	if f.Email != "" {
		query += fmt.Sprintf(" AND lower(s.sponsor_email) = lower($%d)", idx)
		args = append(args, f.Email)
		idx++
	}
	query += " ORDER BY s.requested_at DESC, s.id DESC"
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

	var out []models.SponsorshipDetails
	for rows.Next() {
		var d models.SponsorshipDetails
		c := &d.Child
		dest := append(sponsorshipDest(&d.Sponsorship),
			&c.ID, &c.FamilyID, &c.FamilyNumber, &c.Letter, &c.AgeMonths, &c.Gender, &c.Grade,
			&c.Interests, &c.WishList, &c.Needs, &c.ClothingPants, &c.ClothingShirt, &c.ShoeSize,
			&c.SpecialNeeds, &c.Status, &c.ReservedAt, &c.CreatedAt, &c.UpdatedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func CountSponsorshipsByStatus(ctx context.Context, q Querier) (map[models.SponsorshipStatus]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, count(*) FROM sponsorships GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[models.SponsorshipStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[models.SponsorshipStatus(st)] = n
	}
	return out, rows.Err()
}

func sponsorshipStatusStrings(xs []models.SponsorshipStatus) []string {
	out := make([]string, len(xs))
	for i, s := range xs {
		out[i] = string(s)
	}
	return out
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/christmasforkids/cfk-sponsorship/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// Querier is the part of *sql.DB and *sql.Tx the query functions need.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries is the persistence surface of the sponsorship state machine.
// The Swap* methods are conditional updates: they report false when the
// row was not in one of the expected states, which is how a lost race shows up.
type Queries interface {
	GetChild(ctx context.Context, id int64) (*models.Child, error)
	GetChildForUpdate(ctx context.Context, id int64) (*models.Child, error)
	SwapChildStatus(ctx context.Context, id int64, from []models.ChildStatus, to models.ChildStatus) (bool, error)
	SetChildStatus(ctx context.Context, id int64, to models.ChildStatus) (bool, error)
	SwapHeldChild(ctx context.Context, id int64, heldAt time.Time, to models.ChildStatus) (bool, error)
	ExpireChildReservation(ctx context.Context, id int64, cutoff time.Time) (bool, error)
	ListStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)

	GetSponsorship(ctx context.Context, id int64) (*models.Sponsorship, error)
	GetActiveSponsorshipForChild(ctx context.Context, childID int64) (*models.Sponsorship, error)
	InsertSponsorship(ctx context.Context, sp *models.Sponsorship) (int64, error)
	SwapSponsorshipStatus(ctx context.Context, id int64, from []models.SponsorshipStatus, to models.SponsorshipStatus, reason string) (bool, error)
}

// Repo adds transactions on top of Queries. Everything fn does through the
// Queries it receives commits or rolls back together.
type Repo interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
}

// Catalog is the read side used by the browse pages, admin views and export.
type Catalog interface {
	ListChildren(ctx context.Context, f models.ChildFilter) ([]models.Child, error)
	GetFamilyWithChildren(ctx context.Context, familyNumber string) (*models.FamilyWithChildren, error)
	ListSponsorshipDetails(ctx context.Context, f models.SponsorshipFilter) ([]models.SponsorshipDetails, error)
	CountChildrenByStatus(ctx context.Context) (map[models.ChildStatus]int, error)
	CountSponsorshipsByStatus(ctx context.Context) (map[models.SponsorshipStatus]int, error)
	Ping(ctx context.Context) error
}

// PGRepo is the PostgreSQL Repo and Catalog.
type PGRepo struct {
	pgQueries
	db *sql.DB
}

func NewPGRepo(database *sql.DB) *PGRepo {
	return &PGRepo{pgQueries: pgQueries{q: database}, db: database}
}

func (r *PGRepo) DB() *sql.DB { return r.db }

func (r *PGRepo) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(pgQueries{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PGRepo) ListChildren(ctx context.Context, f models.ChildFilter) ([]models.Child, error) {
	return ListChildren(ctx, r.db, f)
}

func (r *PGRepo) GetFamilyWithChildren(ctx context.Context, familyNumber string) (*models.FamilyWithChildren, error) {
	return GetFamilyWithChildren(ctx, r.db, familyNumber)
}

func (r *PGRepo) ListSponsorshipDetails(ctx context.Context, f models.SponsorshipFilter) ([]models.SponsorshipDetails, error) {
	return ListSponsorshipDetails(ctx, r.db, f)
}

func (r *PGRepo) CountChildrenByStatus(ctx context.Context) (map[models.ChildStatus]int, error) {
	return CountChildrenByStatus(ctx, r.db)
}

func (r *PGRepo) CountSponsorshipsByStatus(ctx context.Context) (map[models.SponsorshipStatus]int, error) {
	return CountSponsorshipsByStatus(ctx, r.db)
}

func (r *PGRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type pgQueries struct {
	q Querier
}

func (p pgQueries) GetChild(ctx context.Context, id int64) (*models.Child, error) {
	return GetChild(ctx, p.q, id)
}

func (p pgQueries) GetChildForUpdate(ctx context.Context, id int64) (*models.Child, error) {
	return GetChildForUpdate(ctx, p.q, id)
}

func (p pgQueries) SwapChildStatus(ctx context.Context, id int64, from []models.ChildStatus, to models.ChildStatus) (bool, error) {
	return SwapChildStatus(ctx, p.q, id, from, to)
}

func (p pgQueries) SetChildStatus(ctx context.Context, id int64, to models.ChildStatus) (bool, error) {
	return SetChildStatus(ctx, p.q, id, to)
}

func (p pgQueries) SwapHeldChild(ctx context.Context, id int64, heldAt time.Time, to models.ChildStatus) (bool, error) {
	return SwapHeldChild(ctx, p.q, id, heldAt, to)
}

func (p pgQueries) ExpireChildReservation(ctx context.Context, id int64, cutoff time.Time) (bool, error) {
	return ExpireChildReservation(ctx, p.q, id, cutoff)
}

func (p pgQueries) ListStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	return ListStaleReservations(ctx, p.q, cutoff, limit)
}

func (p pgQueries) GetSponsorship(ctx context.Context, id int64) (*models.Sponsorship, error) {
	return GetSponsorship(ctx, p.q, id)
}

func (p pgQueries) GetActiveSponsorshipForChild(ctx context.Context, childID int64) (*models.Sponsorship, error) {
	return GetActiveSponsorshipForChild(ctx, p.q, childID)
}

func (p pgQueries) InsertSponsorship(ctx context.Context, sp *models.Sponsorship) (int64, error) {
	return InsertSponsorship(ctx, p.q, sp)
}

func (p pgQueries) SwapSponsorshipStatus(ctx context.Context, id int64, from []models.SponsorshipStatus, to models.SponsorshipStatus, reason string) (bool, error) {
	return SwapSponsorshipStatus(ctx, p.q, id, from, to, reason)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

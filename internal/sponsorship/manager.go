package sponsorship

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/christmasforkids/cfk-sponsorship/internal/ctxutil"
	"github.com/christmasforkids/cfk-sponsorship/internal/db"
	"github.com/christmasforkids/cfk-sponsorship/internal/metrics"
	"github.com/christmasforkids/cfk-sponsorship/internal/models"
	"github.com/christmasforkids/cfk-sponsorship/internal/observability"
)

// Notifier is told about every sponsorship request after it is committed.
type Notifier interface {
	SponsorshipRequested(ctx context.Context, d models.SponsorshipDetails) error
}

const (
	defaultReservationTimeout = 2 * time.Hour
	defaultSweepBatch         = 200
	defaultNotifyTimeout      = 30 * time.Second
)

// Manager owns the child/sponsorship lifecycle:
//
//	available -> pending -> confirmed -> logged -> completed
//	pending | confirmed | logged -> available (cancel / release)
//
// Concurrency control is left to the database: every transition is a
// conditional UPDATE whose WHERE clause re-checks the expected prior status.
type Manager struct {
	repo     db.Repo
	notifier Notifier
	log      *zap.Logger

	now           func() time.Time
	timeout       time.Duration
	sweepBatch    int
	notifyTimeout time.Duration

	pending sync.WaitGroup
}

type Option func(*Manager)

// WithReservationTimeout sets how long an abandoned hold survives before the sweeper releases it.
func WithReservationTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithSweepBatch(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sweepBatch = n
		}
	}
}

func WithNotifyTimeout(d time.Duration) Option {
	return func(m *Manager) { m.notifyTimeout = d }
}

func NewManager(repo db.Repo, notifier Notifier, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		repo:          repo,
		notifier:      notifier,
		log:           log,
		now:           time.Now,
		timeout:       defaultReservationTimeout,
		sweepBatch:    defaultSweepBatch,
		notifyTimeout: defaultNotifyTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ReservationTimeout is exposed for the admin "needs attention" view.
func (m *Manager) ReservationTimeout() time.Duration { return m.timeout }

// Wait blocks until notifications started by CreateSponsorshipRequest have finished.
func (m *Manager) Wait() { m.pending.Wait() }

// CheckAvailability looks the child up without changing anything.
func (m *Manager) CheckAvailability(ctx context.Context, childID int64) Availability {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	child, err := m.repo.GetChild(ctx, childID)
	if errors.Is(err, db.ErrNotFound) {
		return Availability{Reason: MsgChildNotFound}
	}
	if err != nil {
		m.systemError(ctx, "check_availability", childID, err)
		return Availability{Reason: MsgSystemError}
	}
	if child.Status != models.ChildAvailable {
		return Availability{Reason: unavailableReason(child.Status), Child: child}
	}
	return Availability{Available: true, Child: child}
}

// Reserve moves an available child to pending. Safe under concurrent callers:
// the availability check is repeated inside the transaction and the status
// change is a compare-and-swap, so exactly one racing caller wins.
func (m *Manager) Reserve(ctx context.Context, childID int64) Result {
	return m.record("reserve", m.reserve(ctx, "reserve", childID))
}

func (m *Manager) reserve(ctx context.Context, op string, childID int64) Result {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	var child *models.Child
	err := m.repo.InTx(ctx, func(q db.Queries) error {
		c, err := q.GetChild(ctx, childID)
		if errors.Is(err, db.ErrNotFound) {
			return fail(ErrNotFound, MsgChildNotFound)
		}
		if err != nil {
			return err
		}
		child = c
		if c.Status != models.ChildAvailable {
			return fail(ErrConflict, unavailableReason(c.Status))
		}
		ok, err := q.SwapChildStatus(ctx, childID, []models.ChildStatus{models.ChildAvailable}, models.ChildPending)
		if err != nil {
			return err
		}
		if !ok {
			metrics.ReservationConflicts.Inc()
			return fail(ErrConflict, MsgLostRace)
		}
		// reserved_at as stored identifies this hold later on
		child, err = q.GetChild(ctx, childID)
		return err
	})
	if err != nil {
		r := m.translate(ctx, op, childID, err)
		r.Child = child
		return r
	}

	m.log.Info("child reserved", zap.Int64("child_id", childID), requestField(ctx))
	return Result{
		Success: true,
		Message: fmt.Sprintf("Child %s is reserved for you for %s.", child.DisplayID(), humanDuration(m.timeout)),
		Child:   child,
	}
}

// CreateSponsorshipRequest reserves the child, validates the sponsor's form and
// records a pending sponsorship. Reservation and insert are separate
// transactions, so any failure after the reservation releases the child again.
// Notifications go out after commit and cannot undo the request.
func (m *Manager) CreateSponsorshipRequest(ctx context.Context, childID int64, data models.SponsorData) Result {
	const op = "create_request"

	res := m.reserve(ctx, op, childID)
	if !res.Success {
		return m.record(op, res)
	}
	child := res.Child

	sp, problems := ValidateSponsor(data)
	if len(problems) > 0 {
		m.compensate(ctx, childID, child.ReservedAt, "validation failed")
		child.Status = models.ChildAvailable
		child.ReservedAt = nil
		return m.record(op, Result{
			Message:  MsgFixFields,
			Err:      fail(ErrValidation, MsgFixFields),
			Problems: problems,
			Child:    child,
		})
	}
	sp.ChildID = childID
	heldAt := child.ReservedAt

	insCtx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()
	var (
		id        int64
		duplicate bool
	)
	err := m.repo.InTx(insCtx, func(q db.Queries) error {
		c, err := q.GetChildForUpdate(insCtx, childID)
		if err != nil {
			return err
		}
		if !sameHold(c, heldAt) {
			return fail(ErrConflict, MsgReservationGone)
		}
		id, err = q.InsertSponsorship(insCtx, sp)
		if errors.Is(err, db.ErrDuplicate) {
			duplicate = true
			return fail(ErrConflict, MsgSelected)
		}
		return err
	})
	if duplicate {
		return m.record(op, m.settle(ctx, childID, heldAt))
	}
	if err != nil {
		var oe *opError
		if !errors.As(err, &oe) {
			// our hold is still in place, give it back
			m.compensate(ctx, childID, heldAt, "insert failed")
		}
		return m.record(op, m.translate(ctx, op, childID, err))
	}

	now := m.now()
	sp.ID = id
	sp.RequestedAt = now
	sp.UpdatedAt = now
	m.log.Info("sponsorship requested",
		zap.Int64("sponsorship_id", id),
		zap.Int64("child_id", childID),
		requestField(ctx))
	m.notify(ctx, models.SponsorshipDetails{Sponsorship: *sp, Child: *child})

	return m.record(op, Result{
		Success:       true,
		Message:       fmt.Sprintf("Thank you, %s! Your request to sponsor child %s has been received.", sp.SponsorName, child.DisplayID()),
		Child:         child,
		SponsorshipID: id,
	})
}

// Release puts the child back to available and reports whether it did.
func (m *Manager) Release(ctx context.Context, childID int64) bool {
	return m.ReleaseChild(ctx, childID).Success
}

// ReleaseChild puts the child back to available whatever its status. An open
// sponsorship on the child is cancelled in the same transaction so the child
// never shows as available while someone still holds it. A child whose
// sponsorship is completed keeps it and is not released.
func (m *Manager) ReleaseChild(ctx context.Context, childID int64) Result {
	const op = "release"
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	err := m.repo.InTx(ctx, func(q db.Queries) error {
		sp, err := q.GetActiveSponsorshipForChild(ctx, childID)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			return err
		case sp.Status == models.SponsorshipCompleted:
			return fail(ErrInvalidTransition, MsgCompletedKeepsChild)
		default:
			ok, err := q.SwapSponsorshipStatus(ctx, sp.ID, activeSponsorship, models.SponsorshipCancelled, "reservation released")
			if err != nil {
				return err
			}
			if !ok {
				return fail(ErrConflict, MsgChanged)
			}
		}
		ok, err := q.SetChildStatus(ctx, childID, models.ChildAvailable)
		if err != nil {
			return err
		}
		if !ok {
			return fail(ErrNotFound, MsgChildNotFound)
		}
		return nil
	})
	if err != nil {
		return m.record(op, m.translate(ctx, op, childID, err))
	}
	m.log.Info("child released", zap.Int64("child_id", childID), requestField(ctx))
	return m.record(op, Result{Success: true, Message: "Child released."})
}

// compensate undoes our own reservation. It only touches the child while it
// still carries the hold taken at heldAt, so it cannot clobber a child that
// something else has moved on or re-reserved since.
func (m *Manager) compensate(ctx context.Context, childID int64, heldAt *time.Time, why string) {
	ctx, cancel := ctxutil.WithDBTimeout(context.WithoutCancel(ctx))
	defer cancel()

	ok, err := m.releaseHold(ctx, m.repo, childID, heldAt, models.ChildAvailable)
	if err != nil {
		// the sweeper will pick the hold up once it is older than the timeout
		m.systemError(ctx, "compensate", childID, err)
		return
	}
	metrics.Compensations.Inc()
	m.log.Info("reservation released",
		zap.Int64("child_id", childID),
		zap.String("why", why),
		zap.Bool("swapped", ok),
		requestField(ctx))
}

// settle handles an insert refused because the child already has an open
// sponsorship: our hold is handed over to the status that sponsorship implies.
func (m *Manager) settle(ctx context.Context, childID int64, heldAt *time.Time) Result {
	ctx, cancel := ctxutil.WithDBTimeout(context.WithoutCancel(ctx))
	defer cancel()

	to := models.ChildAvailable
	err := m.repo.InTx(ctx, func(q db.Queries) error {
		sp, err := q.GetActiveSponsorshipForChild(ctx, childID)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			return err
		default:
			to = childStatusFor(sp.Status)
		}
		_, err = m.releaseHold(ctx, q, childID, heldAt, to)
		return err
	})
	if err != nil {
		m.systemError(ctx, "settle", childID, err)
		return failed(err)
	}
	m.log.Warn("child was out of sync with its sponsorship",
		zap.Int64("child_id", childID),
		zap.String("status", string(to)),
		requestField(ctx))
	if to == models.ChildAvailable {
		return failed(fail(ErrConflict, MsgLostRace))
	}
	return failed(fail(ErrConflict, unavailableReason(to)))
}

func (m *Manager) releaseHold(ctx context.Context, q db.Queries, childID int64, heldAt *time.Time, to models.ChildStatus) (bool, error) {
	if heldAt == nil {
		return q.SwapChildStatus(ctx, childID, []models.ChildStatus{models.ChildPending}, to)
	}
	return q.SwapHeldChild(ctx, childID, *heldAt, to)
}

// sameHold reports whether c is still pending under the hold taken at heldAt.
func sameHold(c *models.Child, heldAt *time.Time) bool {
	if c.Status != models.ChildPending {
		return false
	}
	if heldAt == nil || c.ReservedAt == nil {
		return heldAt == nil
	}
	return c.ReservedAt.Equal(*heldAt)
}

// childStatusFor is the child status that matches an open sponsorship.
func childStatusFor(st models.SponsorshipStatus) models.ChildStatus {
	switch st {
	case models.SponsorshipConfirmed:
		return models.ChildConfirmed
	case models.SponsorshipLogged:
		return models.ChildLogged
	case models.SponsorshipCompleted:
		return models.ChildCompleted
	}
	return models.ChildPending
}

var activeSponsorship = []models.SponsorshipStatus{
	models.SponsorshipPending, models.SponsorshipConfirmed, models.SponsorshipLogged,
}

// transition describes one guarded status change of a sponsorship and its child.
type transition struct {
	op        string
	from      []models.SponsorshipStatus
	to        models.SponsorshipStatus
	childFrom []models.ChildStatus
	childTo   models.ChildStatus
	// childOptional means a child already outside childFrom is left as is.
	childOptional bool
	reason        string
	invalid       func(current models.SponsorshipStatus) string
	done          string
}

func (m *Manager) apply(ctx context.Context, sponsorshipID int64, t transition) Result {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	err := m.repo.InTx(ctx, func(q db.Queries) error {
		sp, err := q.GetSponsorship(ctx, sponsorshipID)
		if errors.Is(err, db.ErrNotFound) {
			return fail(ErrNotFound, MsgSponsorNotFound)
		}
		if err != nil {
			return err
		}
		if !containsStatus(t.from, sp.Status) {
			return fail(ErrInvalidTransition, t.invalid(sp.Status))
		}
		ok, err := q.SwapSponsorshipStatus(ctx, sponsorshipID, t.from, t.to, t.reason)
		if err != nil {
			return err
		}
		if !ok {
			return fail(ErrConflict, MsgChanged)
		}
		ok, err = q.SwapChildStatus(ctx, sp.ChildID, t.childFrom, t.childTo)
		if err != nil {
			return err
		}
		if !ok && !t.childOptional {
			return fail(ErrConflict, fmt.Sprintf("Child %d is out of sync with sponsorship %d; nothing was changed.", sp.ChildID, sponsorshipID))
		}
		return nil
	})
	if err != nil {
		return m.record(t.op, m.translate(ctx, t.op, sponsorshipID, err))
	}
	m.log.Info("sponsorship "+string(t.to),
		zap.Int64("sponsorship_id", sponsorshipID),
		zap.String("op", t.op),
		requestField(ctx))
	return m.record(t.op, Result{Success: true, Message: t.done, SponsorshipID: sponsorshipID})
}

// ConfirmSponsorship accepts a pending request: pending -> confirmed for both records.
func (m *Manager) ConfirmSponsorship(ctx context.Context, sponsorshipID int64) Result {
	return m.apply(ctx, sponsorshipID, transition{
		op:        "confirm",
		from:      []models.SponsorshipStatus{models.SponsorshipPending},
		to:        models.SponsorshipConfirmed,
		childFrom: []models.ChildStatus{models.ChildPending},
		childTo:   models.ChildConfirmed,
		invalid: func(cur models.SponsorshipStatus) string {
			return fmt.Sprintf("Only pending sponsorships can be confirmed (current status: %s).", cur)
		},
		done: "Sponsorship confirmed.",
	})
}

// CancelSponsorship cancels the sponsorship and releases its child atomically.
// Cancelling twice reports the sponsorship as already cancelled and touches nothing.
func (m *Manager) CancelSponsorship(ctx context.Context, sponsorshipID int64, reason string) Result {
	return m.apply(ctx, sponsorshipID, transition{
		op:   "cancel",
		from: activeSponsorship,
		to:   models.SponsorshipCancelled,
		childFrom: []models.ChildStatus{
			models.ChildPending, models.ChildConfirmed, models.ChildLogged,
		},
		childTo:       models.ChildAvailable,
		childOptional: true,
		reason:        cleanReason(reason, "cancelled by administrator"),
		invalid: func(cur models.SponsorshipStatus) string {
			if cur == models.SponsorshipCancelled {
				return MsgAlreadyCancelled
			}
			return fmt.Sprintf("A %s sponsorship cannot be cancelled.", cur)
		},
		done: "Sponsorship cancelled and child released.",
	})
}

// LogSponsorship marks a confirmed sponsorship as logged (gifts recorded).
func (m *Manager) LogSponsorship(ctx context.Context, sponsorshipID int64) Result {
	return m.apply(ctx, sponsorshipID, transition{
		op:        "log",
		from:      []models.SponsorshipStatus{models.SponsorshipConfirmed},
		to:        models.SponsorshipLogged,
		childFrom: []models.ChildStatus{models.ChildConfirmed},
		childTo:   models.ChildLogged,
		invalid: func(cur models.SponsorshipStatus) string {
			return fmt.Sprintf("Only confirmed sponsorships can be logged (current status: %s).", cur)
		},
		done: "Sponsorship logged.",
	})
}

// UnlogSponsorship reverts LogSponsorship.
func (m *Manager) UnlogSponsorship(ctx context.Context, sponsorshipID int64) Result {
	return m.apply(ctx, sponsorshipID, transition{
		op:        "unlog",
		from:      []models.SponsorshipStatus{models.SponsorshipLogged},
		to:        models.SponsorshipConfirmed,
		childFrom: []models.ChildStatus{models.ChildLogged},
		childTo:   models.ChildConfirmed,
		invalid: func(cur models.SponsorshipStatus) string {
			return fmt.Sprintf("Only logged sponsorships can be unlogged (current status: %s).", cur)
		},
		done: "Sponsorship moved back to confirmed.",
	})
}

// CompleteSponsorship closes a logged sponsorship; the child is completed with it.
func (m *Manager) CompleteSponsorship(ctx context.Context, sponsorshipID int64) Result {
	return m.apply(ctx, sponsorshipID, transition{
		op:        "complete",
		from:      []models.SponsorshipStatus{models.SponsorshipLogged},
		to:        models.SponsorshipCompleted,
		childFrom: []models.ChildStatus{models.ChildLogged},
		childTo:   models.ChildCompleted,
		invalid: func(cur models.SponsorshipStatus) string {
			return fmt.Sprintf("Only logged sponsorships can be completed (current status: %s).", cur)
		},
		done: "Sponsorship completed.",
	})
}

// ExpireStaleReservations releases holds older than the reservation timeout that
// never got a sponsorship request. Each child is swapped on its own, so one
// failure does not block the rest of the batch.
func (m *Manager) ExpireStaleReservations(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.timeout)

	listCtx, cancel := ctxutil.WithDBTimeout(ctx)
	ids, err := m.repo.ListStaleReservations(listCtx, cutoff, m.sweepBatch)
	cancel()
	if err != nil {
		m.systemError(ctx, "expire", 0, err)
		return 0, fmt.Errorf("list stale reservations: %w", err)
	}

	expired := 0
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		swapCtx, cancel := ctxutil.WithDBTimeout(ctx)
		ok, err := m.repo.ExpireChildReservation(swapCtx, id, cutoff)
		cancel()
		if err != nil {
			m.systemError(ctx, "expire", id, err)
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
			metrics.ExpiredReservations.Inc()
			m.log.Info("reservation expired", zap.Int64("child_id", id), zap.Time("cutoff", cutoff))
		}
	}
	return expired, errors.Join(errs...)
}

func (m *Manager) notify(ctx context.Context, d models.SponsorshipDetails) {
	if m.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("notifier panicked", zap.Error(observability.RecoverErr(r, "notifier")))
			}
		}()
		nctx, cancel := ctxutil.WithTimeout(ctx, m.notifyTimeout)
		defer cancel()
		if err := m.notifier.SponsorshipRequested(nctx, d); err != nil {
			m.log.Warn("sponsorship notification failed",
				zap.Int64("sponsorship_id", d.Sponsorship.ID),
				zap.Error(err))
			observability.CaptureOp(nctx, "notify", d.Sponsorship.ID, err)
		}
	}()
}

// translate turns an error from a transaction into a Result. Unexpected
// errors are logged in full and reported generically.
func (m *Manager) translate(ctx context.Context, op string, id int64, err error) Result {
	var oe *opError
	if errors.As(err, &oe) {
		return failed(oe)
	}
	m.systemError(ctx, op, id, err)
	return failed(err)
}

func (m *Manager) systemError(ctx context.Context, op string, id int64, err error) {
	m.log.Error("sponsorship operation failed",
		zap.String("op", op),
		zap.Int64("id", id),
		zap.Error(err),
		requestField(ctx))
	observability.CaptureOp(ctx, op, id, err)
}

func (m *Manager) record(op string, r Result) Result {
	metrics.SponsorshipOps.WithLabelValues(op, outcome(r.Err)).Inc()
	return r
}

func requestField(ctx context.Context) zap.Field {
	id, _ := ctxutil.RequestID(ctx)
	return zap.String("request_id", id)
}

func containsStatus(xs []models.SponsorshipStatus, s models.SponsorshipStatus) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func humanDuration(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "1 hour"
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	default:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
}

// Package session drives a booked session's attendance state machine.
//
// Flow:
//  1. Booking payment confirmed → session scheduled
//  2. Scheduled start passes → grace period (10 minutes) while attendance
//     settles: both join → ongoing; only the achiever joins → achiever-only;
//     otherwise → no-show
//  3. Terminal outcome → escrow released (completed) or refunded (no-show,
//     cancelled), exactly once, guarded by the paymentDistributed flag
//
// The timer tick both advances time-driven transitions and retries failed
// escrow actions, so restarting the process resumes unresolved terminal
// sessions with no extra machinery.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mentorpay/mentorpay/internal/idgen"
	"github.com/mentorpay/mentorpay/internal/metrics"
	"github.com/mentorpay/mentorpay/internal/syncutil"
	"github.com/mentorpay/mentorpay/internal/traces"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrDuplicateSession = errors.New("session already exists for booking")
	ErrInvalidRole      = errors.New("invalid participant role")
	// ErrInvalidStateTransition marks transitions the state machine
	// forbids, e.g. completing an already-cancelled session.
	ErrInvalidStateTransition = errors.New("invalid session state transition")
)

// GracePeriod is the fixed window after scheduled start during which a
// session can still be salvaged if one or both parties join late.
const GracePeriod = 10 * time.Minute

// Status represents the state of a session.
type Status string

const (
	StatusScheduled    Status = "scheduled"
	StatusGracePeriod  Status = "grace_period"
	StatusOngoing      Status = "ongoing"
	StatusAchieverOnly Status = "achiever_only"
	StatusNoShow       Status = "no_show"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
)

// Pattern records who actually attended, fixed at the terminal transition.
type Pattern string

const (
	PatternBothJoined    Pattern = "both_joined"
	PatternNeitherJoined Pattern = "neither_joined"
	PatternAspirantOnly  Pattern = "aspirant_only"
	PatternAchieverOnly  Pattern = "achiever_only"
)

// Role identifies a participant.
type Role string

const (
	RoleAspirant Role = "aspirant"
	RoleAchiever Role = "achiever"
)

// Session is the per-booking meeting record. Retained indefinitely after
// completion.
type Session struct {
	ID                 string     `json:"id"`
	BookingID          string     `json:"bookingId"`
	AspirantID         string     `json:"aspirantId"`
	AchieverID         string     `json:"achieverId"`
	ScheduledStart     time.Time  `json:"scheduledStart"`
	ScheduledEnd       time.Time  `json:"scheduledEnd"`
	Status             Status     `json:"status"`
	AspirantJoined     bool       `json:"aspirantJoined"`
	AspirantJoinedAt   *time.Time `json:"aspirantJoinedAt,omitempty"`
	AchieverJoined     bool       `json:"achieverJoined"`
	AchieverJoinedAt   *time.Time `json:"achieverJoinedAt,omitempty"`
	GracePeriodStart   *time.Time `json:"gracePeriodStart,omitempty"`
	Pattern            Pattern    `json:"attendancePattern,omitempty"`
	PaymentDistributed bool       `json:"paymentDistributed"`
	AspirantFeedback   bool       `json:"aspirantFeedback"`
	AchieverFeedback   bool       `json:"achieverFeedback"`
	CancelledBy        string     `json:"cancelledBy,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Terminal returns true once the session has a definite outcome.
func (s *Session) Terminal() bool {
	switch s.Status {
	case StatusNoShow, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Store persists sessions.
type Store interface {
	// Create fails with ErrDuplicateSession if a session already exists
	// for the booking.
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	GetByBooking(ctx context.Context, bookingID string) (*Session, error)
	Update(ctx context.Context, sess *Session) error
	// ListActive returns sessions in a non-terminal status.
	ListActive(ctx context.Context, limit int) ([]*Session, error)
	// ListUndistributed returns terminal sessions whose escrow action has
	// not been applied yet.
	ListUndistributed(ctx context.Context, limit int) ([]*Session, error)
}

// EscrowEngine abstracts the escrow actions terminal transitions trigger.
// Both calls are idempotent by booking.
type EscrowEngine interface {
	Release(ctx context.Context, bookingID string) error
	Refund(ctx context.Context, bookingID, reason string) error
}

// BookingMarker lets the surrounding booking layer learn about no-shows.
// Optional; wired by the server when the booking CRUD is present.
type BookingMarker interface {
	MarkCancelled(ctx context.Context, bookingID, reason string) error
}

// ScheduleRequest contains the parameters for scheduling a session.
type ScheduleRequest struct {
	BookingID      string    `json:"bookingId" binding:"required"`
	AspirantID     string    `json:"aspirantId" binding:"required"`
	AchieverID     string    `json:"achieverId" binding:"required"`
	ScheduledStart time.Time `json:"scheduledStart" binding:"required"`
	ScheduledEnd   time.Time `json:"scheduledEnd" binding:"required"`
}

// Service owns all session state transitions. It is the single owner of
// the terminal transition and therefore the only caller of escrow
// release/refund for session outcomes.
type Service struct {
	store           Store
	escrow          EscrowEngine
	bookings        BookingMarker
	locks           syncutil.ShardedMutex
	logger          *slog.Logger
	requireFeedback bool
	now             func() time.Time
}

// NewService creates a session service.
func NewService(store Store, escrowEngine EscrowEngine, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		escrow: escrowEngine,
		logger: logger,
		now:    time.Now,
	}
}

// WithBookingMarker adds a booking-layer hook for no-show cancellations.
func (s *Service) WithBookingMarker(m BookingMarker) *Service {
	s.bookings = m
	return s
}

// WithFeedbackGate requires both participants' feedback before a
// completed session's escrow is released.
func (s *Service) WithFeedbackGate() *Service {
	s.requireFeedback = true
	return s
}

// WithClock overrides the time source (used in tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Schedule creates a session for a confirmed booking.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*Session, error) {
	if !req.ScheduledEnd.After(req.ScheduledStart) {
		return nil, fmt.Errorf("scheduled end must be after scheduled start")
	}

	now := s.now()
	sess := &Session{
		ID:             idgen.WithPrefix("ses_"),
		BookingID:      req.BookingID,
		AspirantID:     req.AspirantID,
		AchieverID:     req.AchieverID,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		Status:         StatusScheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("session scheduled",
		"sessionId", sess.ID,
		"bookingId", sess.BookingID,
		"start", sess.ScheduledStart,
		"end", sess.ScheduledEnd,
	)
	return sess, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.store.Get(ctx, id)
}

// GetByBooking returns the session for a booking.
func (s *Service) GetByBooking(ctx context.Context, bookingID string) (*Session, error) {
	return s.store.GetByBooking(ctx, bookingID)
}

// MarkJoined records a participant joining the meeting and evaluates
// transitions on demand, so a join does not wait for the next tick.
func (s *Service) MarkJoined(ctx context.Context, sessionID string, role Role) (*Session, error) {
	if role != RoleAspirant && role != RoleAchiever {
		return nil, ErrInvalidRole
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		return nil, fmt.Errorf("%w: join on %s session", ErrInvalidStateTransition, sess.Status)
	}

	now := s.now()
	switch role {
	case RoleAspirant:
		if !sess.AspirantJoined {
			sess.AspirantJoined = true
			sess.AspirantJoinedAt = &now
		}
	case RoleAchiever:
		if !sess.AchieverJoined {
			sess.AchieverJoined = true
			sess.AchieverJoinedAt = &now
		}
	}

	s.evaluate(sess, now)
	sess.UpdatedAt = now
	if err := s.store.Update(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SubmitFeedback records a participant's feedback. When the feedback gate
// is enabled, a completed session's escrow releases only after both
// feedback records are present; the next tick picks it up.
func (s *Service) SubmitFeedback(ctx context.Context, sessionID string, role Role) (*Session, error) {
	if role != RoleAspirant && role != RoleAchiever {
		return nil, ErrInvalidRole
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if role == RoleAspirant {
		sess.AspirantFeedback = true
	} else {
		sess.AchieverFeedback = true
	}
	sess.UpdatedAt = s.now()
	if err := s.store.Update(ctx, sess); err != nil {
		return nil, err
	}

	// Feedback may have been the last gate before distribution.
	s.settle(ctx, sess)
	return sess, nil
}

// CompleteManually completes a session before its scheduled end. Allowed
// from ongoing (both present) and from achiever-only, where the achiever
// honored the appointment and is paid in full.
func (s *Service) CompleteManually(ctx context.Context, sessionID string) (*Session, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case StatusOngoing:
		s.transition(sess, StatusCompleted, PatternBothJoined)
	case StatusAchieverOnly:
		s.transition(sess, StatusCompleted, PatternAchieverOnly)
	default:
		return nil, fmt.Errorf("%w: complete from %s", ErrInvalidStateTransition, sess.Status)
	}

	sess.UpdatedAt = s.now()
	if err := s.store.Update(ctx, sess); err != nil {
		return nil, err
	}
	s.settle(ctx, sess)
	return sess, nil
}

// Cancel cancels any non-terminal session and refunds the escrow.
func (s *Service) Cancel(ctx context.Context, sessionID, by string) (*Session, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		return nil, fmt.Errorf("%w: cancel on %s session", ErrInvalidStateTransition, sess.Status)
	}

	s.transition(sess, StatusCancelled, sess.Pattern)
	sess.CancelledBy = by
	sess.UpdatedAt = s.now()
	if err := s.store.Update(ctx, sess); err != nil {
		return nil, err
	}
	s.settle(ctx, sess)
	return sess, nil
}

// Tick advances time-driven transitions for all active sessions and
// retries payment distribution for unresolved terminal ones. Called by
// the timer and safe to call concurrently with join events.
func (s *Service) Tick(ctx context.Context) {
	now := s.now()

	active, err := s.store.ListActive(ctx, 500)
	if err != nil {
		s.logger.Warn("failed to list active sessions", "error", err)
		return
	}
	for _, sess := range active {
		s.tickOne(ctx, sess.ID, now)
	}

	// Terminal sessions whose escrow action failed earlier (or is
	// feedback-gated) are retried here; that makes the pipeline
	// crash-safe.
	undistributed, err := s.store.ListUndistributed(ctx, 500)
	if err != nil {
		s.logger.Warn("failed to list undistributed sessions", "error", err)
		return
	}
	for _, sess := range undistributed {
		unlock := s.locks.Lock(sess.ID)
		fresh, err := s.store.Get(ctx, sess.ID)
		if err == nil {
			s.settle(ctx, fresh)
		}
		unlock()
	}
}

func (s *Service) tickOne(ctx context.Context, sessionID string, now time.Time) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	// Re-read under lock to avoid racing a join event.
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil || sess.Terminal() {
		return
	}

	before := sess.Status
	s.evaluate(sess, now)
	if sess.Status == before {
		return
	}

	sess.UpdatedAt = now
	if err := s.store.Update(ctx, sess); err != nil {
		s.logger.Warn("failed to persist session transition",
			"sessionId", sess.ID, "from", before, "to", sess.Status, "error", err)
		return
	}
	s.settle(ctx, sess)
}

// evaluate advances the state machine to what the clock and attendance
// dictate. It mutates sess in place and may cross several states in one
// call (e.g. a scheduled session evaluated long after its grace period).
func (s *Service) evaluate(sess *Session, now time.Time) {
	if sess.Status == StatusScheduled && !now.Before(sess.ScheduledStart) {
		if sess.AspirantJoined && sess.AchieverJoined {
			s.transition(sess, StatusOngoing, "")
		} else {
			start := sess.ScheduledStart
			sess.GracePeriodStart = &start
			s.transition(sess, StatusGracePeriod, "")
		}
	}

	if sess.Status == StatusGracePeriod {
		if sess.AspirantJoined && sess.AchieverJoined {
			s.transition(sess, StatusOngoing, "")
		} else if graceElapsed(sess, now) {
			switch {
			case sess.AchieverJoined:
				s.transition(sess, StatusAchieverOnly, "")
			case sess.AspirantJoined:
				s.transition(sess, StatusNoShow, PatternAspirantOnly)
			default:
				s.transition(sess, StatusNoShow, PatternNeitherJoined)
			}
		}
	}

	if sess.Status == StatusAchieverOnly && sess.AspirantJoined && sess.AchieverJoined {
		// Aspirant arrived after the grace period; session is salvaged.
		s.transition(sess, StatusOngoing, "")
	}

	if sess.Status == StatusOngoing && !now.Before(sess.ScheduledEnd) {
		s.transition(sess, StatusCompleted, PatternBothJoined)
	}
}

func graceElapsed(sess *Session, now time.Time) bool {
	start := sess.ScheduledStart
	if sess.GracePeriodStart != nil {
		start = *sess.GracePeriodStart
	}
	return !now.Before(start.Add(GracePeriod))
}

func (s *Service) transition(sess *Session, to Status, pattern Pattern) {
	s.logger.Debug("session transition",
		"sessionId", sess.ID, "bookingId", sess.BookingID,
		"from", sess.Status, "to", to)
	sess.Status = to
	if pattern != "" {
		sess.Pattern = pattern
	}
	metrics.SessionTransitionsTotal.WithLabelValues(string(to)).Inc()
}

// settle applies the terminal side effect exactly once, guarded by
// PaymentDistributed and the escrow's own status check. On failure the
// session stays terminal with the flag unset and the next tick retries.
// Caller must hold the session lock.
func (s *Service) settle(ctx context.Context, sess *Session) {
	if !sess.Terminal() || sess.PaymentDistributed {
		return
	}

	ctx, span := traces.StartSpan(ctx, "session.settle",
		traces.SessionID(sess.ID), traces.BookingID(sess.BookingID))
	defer span.End()

	var err error
	switch sess.Status {
	case StatusCompleted:
		if s.requireFeedback && !(sess.AspirantFeedback && sess.AchieverFeedback) {
			s.logger.Debug("release deferred, awaiting feedback",
				"sessionId", sess.ID, "bookingId", sess.BookingID)
			return
		}
		err = s.escrow.Release(ctx, sess.BookingID)
	case StatusNoShow:
		err = s.escrow.Refund(ctx, sess.BookingID, "no-show: "+string(sess.Pattern))
		if err == nil && s.bookings != nil {
			if markErr := s.bookings.MarkCancelled(ctx, sess.BookingID, "no-show"); markErr != nil {
				s.logger.Warn("failed to mark booking cancelled",
					"bookingId", sess.BookingID, "error", markErr)
			}
		}
	case StatusCancelled:
		reason := "cancelled"
		if sess.CancelledBy != "" {
			reason = "cancelled by " + sess.CancelledBy
		}
		err = s.escrow.Refund(ctx, sess.BookingID, reason)
	}

	if err != nil {
		metrics.SettlementDistributionRetries.Inc()
		s.logger.Warn("payment distribution failed, will retry on next tick",
			"sessionId", sess.ID, "bookingId", sess.BookingID,
			"status", sess.Status, "error", err)
		return
	}

	sess.PaymentDistributed = true
	sess.UpdatedAt = s.now()
	if err := s.store.Update(ctx, sess); err != nil {
		// The escrow action itself is idempotent, so a failed flag write
		// only costs a harmless no-op retry next tick.
		s.logger.Warn("failed to persist payment distribution flag",
			"sessionId", sess.ID, "error", err)
		return
	}

	s.logger.Info("session settled",
		"sessionId", sess.ID,
		"bookingId", sess.BookingID,
		"status", sess.Status,
		"pattern", sess.Pattern,
	)
}

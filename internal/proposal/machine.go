// Package proposal enforces the proposal lifecycle on the replica side:
// creation rules, reviewer-only status transitions and the voting window.
package proposal

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"governance-sync/internal/models"

	"github.com/google/uuid"
)

// Role names recognised by the replica's authorization domain.
const (
	RoleMember   = "member"
	RoleReviewer = "reviewer"
	RoleAdmin    = "admin"
)

// Actor is the replica-side identity performing an action.
type Actor struct {
	ID    string
	Roles []string
}

// CanReview reports whether the actor may change proposal status.
func (a Actor) CanReview() bool {
	for _, r := range a.Roles {
		if r == RoleAdmin || r == RoleReviewer {
			return true
		}
	}
	return false
}

// Draft carries the member-supplied fields of a new proposal.
type Draft struct {
	Title       string
	Description string
	Category    string
	Start       time.Time
	End         time.Time
}

// Rules are the configurable creation limits.
type Rules struct {
	TitleMaxLength       int
	MinDescriptionLength int
}

// DefaultRules mirrors the stock governance settings.
func DefaultRules() Rules {
	return Rules{TitleMaxLength: 200, MinDescriptionLength: 10}
}

// Machine validates lifecycle operations. It never touches storage.
type Machine struct {
	rules Rules
	now   func() time.Time
}

// NewMachine builds a Machine. now defaults to time.Now.
func NewMachine(rules Rules, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	if rules.TitleMaxLength <= 0 {
		rules.TitleMaxLength = DefaultRules().TitleMaxLength
	}
	if rules.MinDescriptionLength < 0 {
		rules.MinDescriptionLength = 0
	}
	return &Machine{rules: rules, now: now}
}

// Now returns the machine's clock reading.
func (m *Machine) Now() time.Time {
	return m.now()
}

// Create validates d and returns a Pending proposal with an empty tally.
func (m *Machine) Create(d Draft, author Actor) (*models.Proposal, error) {
	title := strings.TrimSpace(d.Title)
	desc := strings.TrimSpace(d.Description)
	switch {
	case title == "":
		return nil, fmt.Errorf("%w: title is required", ErrInvalidDraft)
	case utf8.RuneCountInString(title) > m.rules.TitleMaxLength:
		return nil, fmt.Errorf("%w: title exceeds %d characters", ErrInvalidDraft, m.rules.TitleMaxLength)
	case desc == "":
		return nil, fmt.Errorf("%w: description is required", ErrInvalidDraft)
	case utf8.RuneCountInString(desc) < m.rules.MinDescriptionLength:
		return nil, fmt.Errorf("%w: description shorter than %d characters", ErrInvalidDraft, m.rules.MinDescriptionLength)
	}
	if !d.End.After(d.Start) {
		return nil, ErrInvalidWindow
	}
	if d.Start.Before(m.now()) {
		return nil, ErrPastStart
	}

	category := strings.TrimSpace(d.Category)
	if category == "" {
		category = "general"
	}
	return &models.Proposal{
		ID:          uuid.New(),
		Title:       title,
		Description: desc,
		Category:    category,
		AuthorID:    author.ID,
		Status:      models.StatusPending,
		StartTime:   d.Start,
		EndTime:     d.End,
	}, nil
}

var transitions = map[models.ProposalStatus][]models.ProposalStatus{
	models.StatusPending:  {models.StatusActive, models.StatusRejected, models.StatusClosed},
	models.StatusActive:   {models.StatusPassed, models.StatusRejected, models.StatusClosed},
	models.StatusRejected: {models.StatusActive},
	models.StatusClosed:   {models.StatusActive},
	models.StatusPassed:   {models.StatusClosed},
}

// Allowed reports whether from -> to is a lifecycle edge.
func Allowed(from, to models.ProposalStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Authorize checks the actor and reason for a transition without applying it.
func (m *Machine) Authorize(p *models.Proposal, to models.ProposalStatus, reason string, actor Actor) error {
	if !actor.CanReview() {
		return ErrUnauthorized
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if to == models.StatusRejected && strings.TrimSpace(reason) == "" {
		return ErrMissingReason
	}
	if p.Status != to && !Allowed(p.Status, to) {
		return &TransitionError{From: p.Status, To: to}
	}
	return nil
}

// Transition applies to -> p in memory. Leaving Rejected clears the stored
// rejection reason.
func (m *Machine) Transition(p *models.Proposal, to models.ProposalStatus, reason string, actor Actor) error {
	if err := m.Authorize(p, to, reason, actor); err != nil {
		return err
	}
	p.Status = to
	if to == models.StatusRejected {
		r := strings.TrimSpace(reason)
		p.RejectionReason = &r
	} else {
		p.RejectionReason = nil
	}
	return nil
}

// CanAcceptVote is true iff p is Active and start <= now <= end.
func (m *Machine) CanAcceptVote(p *models.Proposal, now time.Time) bool {
	return CheckVoteWindow(p, now) == nil
}

// CheckVoteWindow explains why a vote would be refused, or returns nil.
func CheckVoteWindow(p *models.Proposal, now time.Time) error {
	werr := &WindowError{Status: p.Status, Start: p.StartTime, End: p.EndTime, At: now}
	switch {
	case p.Status != models.StatusActive:
		werr.Reason = WindowNotActive
	case now.Before(p.StartTime):
		werr.Reason = WindowNotStarted
	case now.After(p.EndTime):
		werr.Reason = WindowEnded
	default:
		return nil
	}
	return werr
}

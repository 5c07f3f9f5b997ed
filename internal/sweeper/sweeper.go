// Package sweeper runs the reconciliation sweep on a schedule and publishes
// a status snapshot after every run.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"governance-sync/internal/audit"
	"governance-sync/internal/models"
	"governance-sync/internal/proposal"
	"governance-sync/internal/reconciler"
	"governance-sync/internal/replica"
	"governance-sync/internal/wallet"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// UpdateChannelBufferSize is the buffer size for the status update channel.
	UpdateChannelBufferSize = 16
	// CloseDelay gives the dashboard a moment to drain after the channel closes.
	CloseDelay = 100 * time.Millisecond
	// DefaultSchedule runs the sweep every 30 seconds.
	DefaultSchedule = "*/30 * * * * *"
	// LedgerStaleAfter is how long the ledger may stay unreachable before the
	// runner escalates its logging.
	LedgerStaleAfter = 5 * time.Minute
)

// Reconciler is the part of *reconciler.Reconciler the runner drives.
type Reconciler interface {
	Sweep(ctx context.Context) (reconciler.SweepReport, error)
	Outcome(ctx context.Context, proposalID uuid.UUID) (proposal.Outcome, error)
}

// Sessions is the wallet registry as seen by the runner.
type Sessions interface {
	Prune() int
	Sessions() []wallet.Binding
}

// LedgerProbe reports whether the ledger answers. It may be nil.
type LedgerProbe interface {
	GetProposalCount(ctx context.Context) (uint64, error)
}

// ProposalRow is one line of the dashboard's proposal table.
type ProposalRow struct {
	ID          uuid.UUID
	LedgerID    *uint64
	Provisional bool
	Title       string
	Status      models.ProposalStatus
	Tally       models.Tally
	Outcome     proposal.Outcome
}

// Status is published after every sweep.
type Status struct {
	At                time.Time
	Report            reconciler.SweepReport
	Err               error
	LedgerConfigured  bool
	LedgerUp          bool
	LedgerCount       uint64
	LedgerDownSince   time.Time
	Proposals         []ProposalRow
	Audit             audit.Stats
	OpenDiscrepancies int
	Sessions          int
	Pruned            int
}

// Options configure a Runner.
type Options struct {
	Schedule   string
	RunTimeout time.Duration
	MaxRows    int
	Updates    chan<- Status
	Logger     *zap.Logger
}

// Runner schedules sweeps with cron.
type Runner struct {
	rec      Reconciler
	store    *replica.Store
	audit    *audit.Log
	sessions Sessions
	probe    LedgerProbe
	opts     Options
	log      *zap.Logger
	cron     *cron.Cron

	mu         sync.RWMutex
	last       Status
	ledgerDown time.Time
}

// New builds a Runner. sessions and probe may be nil.
func New(rec Reconciler, store *replica.Store, auditLog *audit.Log, sessions Sessions, probe LedgerProbe, opts Options) *Runner {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 25 * time.Second
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 50
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{
		rec:      rec,
		store:    store,
		audit:    auditLog,
		sessions: sessions,
		probe:    probe,
		opts:     opts,
		log:      opts.Logger,
	}
}

// Start registers the sweep job, runs one sweep immediately and starts the
// scheduler. Runs never overlap.
func (r *Runner) Start(ctx context.Context) error {
	logger := NewCronLogger(r.log)
	r.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	_, err := r.cron.AddFunc(r.opts.Schedule, func() {
		r.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", r.opts.Schedule, err)
	}

	r.RunOnce(ctx)
	r.cron.Start()
	r.log.Info("sweep scheduler started", zap.String("schedule", r.opts.Schedule))
	return nil
}

// Close stops the scheduler and waits for a running sweep to finish.
func (r *Runner) Close() error {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	return nil
}

// Last returns the most recent status.
func (r *Runner) Last() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// RunOnce sweeps, prunes expired wallet sessions and publishes a snapshot.
func (r *Runner) RunOnce(ctx context.Context) Status {
	if ctx.Err() != nil {
		return r.Last()
	}
	rctx, cancel := context.WithTimeout(ctx, r.opts.RunTimeout)
	defer cancel()

	st := Status{At: time.Now()}
	st.Report, st.Err = r.rec.Sweep(rctx)
	if st.Err != nil {
		r.log.Error("reconciliation sweep failed", zap.Error(st.Err))
	}
	for _, err := range st.Report.Errors {
		r.log.Warn("sweep item failed", zap.Error(err))
	}

	if r.sessions != nil {
		st.Pruned = r.sessions.Prune()
		st.Sessions = len(r.sessions.Sessions())
	}
	r.checkLedger(rctx, &st)

	if err := r.snapshot(rctx, &st); err != nil {
		r.log.Warn("dashboard snapshot incomplete", zap.Error(err))
	}

	r.mu.Lock()
	r.last = st
	r.mu.Unlock()
	r.publish(st)
	return st
}

// checkLedger probes the ledger and tracks how long it has been down.
func (r *Runner) checkLedger(ctx context.Context, st *Status) {
	if r.probe == nil {
		return
	}
	st.LedgerConfigured = true
	count, err := r.probe.GetProposalCount(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		if !r.ledgerDown.IsZero() {
			r.log.Info("ledger reachable again", zap.Duration("down_for", time.Since(r.ledgerDown)))
		}
		r.ledgerDown = time.Time{}
		st.LedgerUp = true
		st.LedgerCount = count
		return
	}
	if r.ledgerDown.IsZero() {
		r.ledgerDown = st.At
	}
	st.LedgerDownSince = r.ledgerDown
	if r.ledgerStaleLocked(st.At) {
		r.log.Error("ledger unreachable; actions are recorded local-only",
			zap.Duration("down_for", st.At.Sub(r.ledgerDown)), zap.Error(err))
	} else {
		r.log.Warn("ledger probe failed", zap.Error(err))
	}
}

func (r *Runner) ledgerStaleLocked(now time.Time) bool {
	return !r.ledgerDown.IsZero() && now.Sub(r.ledgerDown) > LedgerStaleAfter
}

func (r *Runner) snapshot(ctx context.Context, st *Status) error {
	stats, err := r.audit.Stats(ctx)
	if err != nil {
		return fmt.Errorf("audit stats: %w", err)
	}
	st.Audit = stats

	open, err := r.store.ListDiscrepancies(ctx, replica.DiscrepancyFilter{})
	if err != nil {
		return fmt.Errorf("discrepancies: %w", err)
	}
	st.OpenDiscrepancies = len(open)

	proposals, err := r.store.ListProposals(ctx, "")
	if err != nil {
		return fmt.Errorf("proposals: %w", err)
	}
	if len(proposals) > r.opts.MaxRows {
		proposals = proposals[:r.opts.MaxRows]
	}
	st.Proposals = make([]ProposalRow, 0, len(proposals))
	for _, p := range proposals {
		row := ProposalRow{
			ID:          p.ID,
			LedgerID:    p.LedgerProposalID,
			Provisional: p.LedgerIDProvisional,
			Title:       p.Title,
			Status:      p.Status,
			Tally:       p.Tally(),
		}
		if out, err := r.rec.Outcome(ctx, p.ID); err == nil {
			row.Outcome = out
		}
		st.Proposals = append(st.Proposals, row)
	}
	return nil
}

// publish hands st to the dashboard without blocking the sweep.
func (r *Runner) publish(st Status) {
	if r.opts.Updates == nil {
		return
	}
	select {
	case r.opts.Updates <- st:
	default:
		r.log.Debug("dashboard update dropped; channel full")
	}
}

// Package engine owns every bounty and claim transition. Each operation runs
// as one SQLite transaction: guards first, then mutations, then an event
// append, then commit. External money movement never happens inside the
// transaction; it is queued as a pending settlement action and issued after
// commit through the settle coordinator.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/mode"
	"bountyline/internal/repo"
	"bountyline/internal/settle"
)

const feeScale = 10_000

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Ledger
	Events events.Writer
	Settle *settle.Coordinator
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger
}

// New wires an engine over an opened database. The engine is the applier for
// the coordinator's resolved actions.
func New(db *sql.DB, cfg *config.Config, ports settle.Ports, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Ledger{DB: db, PenaltyBPS: cfg.Fees.PenaltyBPS, NominalBPS: cfg.Fees.PlatformBPS},
		Config: cfg,
		Now:    time.Now,
		Logger: logger,
	}
	e.Events = events.Writer{DB: db, Now: func() time.Time { return e.Now() }}
	e.Settle = &settle.Coordinator{
		DB:      db,
		Repo:    e.Repo,
		Ports:   ports,
		Applier: e,
		Logger:  logger,
		Now:     func() time.Time { return e.Now() },
	}
	return e
}

func (e *Engine) now() time.Time { return e.Now().UTC() }

func (e *Engine) nowStr() string { return e.now().Format(time.RFC3339) }

func forbiddenf(format string, args ...any) error {
	return fmt.Errorf("forbidden: "+format, args...)
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("conflict: "+format, args...)
}

var activeClaimStatuses = []string{
	domain.ClaimNew, domain.ClaimReadyToStart, domain.ClaimCompetes,
	domain.ClaimInProgress, domain.ClaimCompleted, domain.ClaimCompletedWithDispute,
	domain.ClaimDisputed, domain.ClaimRejected,
}

// loadBountyModeTx reads a bounty row together with its decoded mode state
// and the matching strategy.
func (e *Engine) loadBountyModeTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Bounty, *mode.State, mode.Strategy, error) {
	b, err := e.Repo.GetBountyTx(ctx, tx, id)
	if err != nil {
		return b, nil, nil, err
	}
	st, err := mode.Decode(b.ModeJSON)
	if err != nil {
		return b, nil, nil, err
	}
	strat, err := mode.ForState(st)
	if err != nil {
		return b, nil, nil, err
	}
	return b, st, strat, nil
}

func (e *Engine) saveMode(b *domain.Bounty, st *mode.State) error {
	raw, err := mode.Encode(st)
	if err != nil {
		return err
	}
	b.ModeJSON = raw
	return nil
}

// recompute derives the bounty status from the mode counters and the live
// claim count. Canceled and partially completed bounties never change again.
func (e *Engine) recomputeTx(ctx context.Context, tx *sql.Tx, b *domain.Bounty, strat mode.Strategy) error {
	switch b.Status {
	case domain.BountyCanceled, domain.BountyPartiallyCompleted:
		return nil
	}
	active, err := e.Repo.CountClaimsTx(ctx, tx, b.ID, activeClaimStatuses...)
	if err != nil {
		return err
	}
	paid, err := e.Repo.CountClaimsTx(ctx, tx, b.ID, domain.ClaimApproved)
	if err != nil {
		return err
	}
	b.Status = strat.StatusAfterChange(active, paid)
	return nil
}

// promoteTx moves waiting claims to in_progress (competes for contests) once
// the mode says work may begin. Promoted claims share the same started_at so
// their deadlines line up.
func (e *Engine) promoteTx(ctx context.Context, tx *sql.Tx, b *domain.Bounty, st *mode.State, strat mode.Strategy, now time.Time) error {
	if st.Kind == mode.KindContest && st.Contest != nil {
		c := st.Contest
		if c.StartThreshold != nil && c.StartedAt == nil && c.Participants >= *c.StartThreshold {
			started := now.Format(time.RFC3339)
			c.StartedAt = &started
		}
	}
	if !strat.Started(now) {
		return nil
	}
	waiting, err := e.Repo.ListClaimsByStatusTx(ctx, tx, b.ID, domain.ClaimReadyToStart)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		return nil
	}
	target := domain.ClaimInProgress
	if st.Kind == mode.KindContest {
		target = domain.ClaimCompetes
	}
	startedAt := now.Format(time.RFC3339)
	deadline := now.Add(time.Duration(b.MaxDeadline) * time.Second).Format(time.RFC3339)
	for _, c := range waiting {
		c.Status = target
		c.StartedAt = &startedAt
		if c.DeadlineAt == nil {
			c.DeadlineAt = &deadline
		}
		if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
			return err
		}
	}
	return nil
}

type CreateBountyParams struct {
	Owner            string
	Title            string
	Description      string
	Category         string
	Tags             []string
	Token            *string
	Amount           int64
	Authority        *string
	MaxDeadline      int64
	DecisionPolicy   string
	Whitelist        []string
	ClaimantApproval bool
	KYCPolicy        string
	Postpaid         bool
	Mode             *mode.State
}

// CreateBounty validates the catalog references, computes the commission
// fees and locks them, and stores the bounty in status new. Prepaid bounties
// assume the owner already escrowed amount plus fees; postpaid bounties carry
// no token and move no money.
func (e *Engine) CreateBounty(ctx context.Context, p CreateBountyParams) (domain.Bounty, error) {
	cfg := e.Config
	if p.Owner == "" {
		return domain.Bounty{}, fmt.Errorf("owner is required")
	}
	if p.Title == "" {
		return domain.Bounty{}, fmt.Errorf("title is required")
	}
	if !cfg.HasCategory(p.Category) {
		return domain.Bounty{}, fmt.Errorf("unknown category %q", p.Category)
	}
	for _, t := range p.Tags {
		if !cfg.HasTag(t) {
			return domain.Bounty{}, fmt.Errorf("unknown tag %q", t)
		}
	}
	if p.Postpaid {
		if p.Token != nil {
			return domain.Bounty{}, fmt.Errorf("postpaid bounty must not carry a token")
		}
	} else {
		if p.Token == nil {
			return domain.Bounty{}, fmt.Errorf("prepaid bounty requires a token")
		}
		if !cfg.HasToken(*p.Token) {
			return domain.Bounty{}, fmt.Errorf("unknown token %q", *p.Token)
		}
		if p.Amount <= 0 {
			return domain.Bounty{}, fmt.Errorf("amount must be positive")
		}
	}
	if p.MaxDeadline <= 0 {
		return domain.Bounty{}, fmt.Errorf("max_deadline is required")
	}
	if cfg.Claims.MinDeadlineSeconds > 0 && p.MaxDeadline < cfg.Claims.MinDeadlineSeconds {
		return domain.Bounty{}, fmt.Errorf("max_deadline below minimum of %d seconds", cfg.Claims.MinDeadlineSeconds)
	}
	if cfg.Claims.MaxDeadlineSeconds > 0 && p.MaxDeadline > cfg.Claims.MaxDeadlineSeconds {
		return domain.Bounty{}, fmt.Errorf("max_deadline above maximum of %d seconds", cfg.Claims.MaxDeadlineSeconds)
	}
	switch p.DecisionPolicy {
	case "":
		p.DecisionPolicy = domain.DecideByOwner
	case domain.DecideByOwner, domain.DecideByDAO:
	case domain.DecideByWhitelist:
		if len(p.Whitelist) == 0 {
			return domain.Bounty{}, fmt.Errorf("whitelist decision policy requires a whitelist")
		}
	default:
		return domain.Bounty{}, fmt.Errorf("unknown decision policy %q", p.DecisionPolicy)
	}
	if p.Authority != nil && !cfg.IsAuthority(*p.Authority) {
		return domain.Bounty{}, fmt.Errorf("account %q is not a delegated authority", *p.Authority)
	}
	switch p.KYCPolicy {
	case "":
		p.KYCPolicy = cfg.KYC.DefaultPolicy
		if p.KYCPolicy == "" {
			p.KYCPolicy = domain.KYCNone
		}
	case domain.KYCNone, domain.KYCRequired, domain.KYCDeferred:
	default:
		return domain.Bounty{}, fmt.Errorf("unknown kyc policy %q", p.KYCPolicy)
	}
	if p.Mode != nil && p.Mode.Kind == mode.KindContest && p.Mode.Contest != nil &&
		p.Mode.Contest.EntryCutoffSeconds == nil && cfg.Contest.EntryCutoffSeconds > 0 {
		cutoff := cfg.Contest.EntryCutoffSeconds
		p.Mode.Contest.EntryCutoffSeconds = &cutoff
	}
	if err := mode.ValidateNew(p.Mode, p.Amount); err != nil {
		return domain.Bounty{}, err
	}

	now := e.nowStr()
	b := domain.Bounty{
		Owner:            p.Owner,
		Token:            p.Token,
		Amount:           p.Amount,
		Authority:        p.Authority,
		Title:            p.Title,
		Description:      p.Description,
		Category:         p.Category,
		Tags:             p.Tags,
		MaxDeadline:      p.MaxDeadline,
		DecisionPolicy:   p.DecisionPolicy,
		Whitelist:        p.Whitelist,
		ClaimantApproval: p.ClaimantApproval,
		KYCPolicy:        p.KYCPolicy,
		Postpaid:         p.Postpaid,
		Status:           domain.BountyNew,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if !p.Postpaid {
		b.PlatformFee = p.Amount * cfg.Fees.PlatformBPS / feeScale
		if p.Authority != nil {
			b.AuthorityFee = p.Amount * cfg.Fees.AuthorityBPS / feeScale
		}
	}
	if err := e.saveMode(&b, p.Mode); err != nil {
		return domain.Bounty{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bounty{}, err
	}
	defer tx.Rollback()

	b.ID, err = e.Repo.InsertBounty(ctx, tx, b)
	if err != nil {
		return domain.Bounty{}, err
	}
	if !p.Postpaid {
		if err := e.Ledger.Lock(ctx, tx, *p.Token, "", b.PlatformFee); err != nil {
			return domain.Bounty{}, err
		}
		if p.Authority != nil {
			if err := e.Ledger.Lock(ctx, tx, *p.Token, *p.Authority, b.AuthorityFee); err != nil {
				return domain.Bounty{}, err
			}
		}
	}
	err = e.Events.Append(ctx, tx, "bounty_created", b.ID, "bounty", fmt.Sprint(b.ID), p.Owner, events.EventPayload{
		"amount": b.Amount, "category": b.Category, "postpaid": b.Postpaid,
	})
	if err != nil {
		return domain.Bounty{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bounty{}, err
	}
	return b, nil
}

type SubmitClaimParams struct {
	BountyID        int64
	Account         string
	Description     string
	Slot            *int
	DeadlineSeconds *int64
}

// SubmitClaim stakes a claim on a bounty. The mode strategy decides whether
// the bounty can take another claimant; the KYC policy and the bounty
// whitelist gate who may stake at all.
func (e *Engine) SubmitClaim(ctx context.Context, p SubmitClaimParams) (domain.Claim, error) {
	if p.Account == "" {
		return domain.Claim{}, fmt.Errorf("account is required")
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	b, st, strat, err := e.loadBountyModeTx(ctx, tx, p.BountyID)
	if err != nil {
		return domain.Claim{}, err
	}
	if p.Account == b.Owner {
		return domain.Claim{}, forbiddenf("owner cannot claim their own bounty")
	}
	if err := strat.Accepts(b.Status, p.Slot, now); err != nil {
		return domain.Claim{}, conflictf("%s", err)
	}
	if b.DecisionPolicy == domain.DecideByWhitelist && !contains(b.Whitelist, p.Account) {
		return domain.Claim{}, forbiddenf("account is not on the bounty whitelist")
	}

	c := domain.Claim{
		BountyID:    b.ID,
		Account:     p.Account,
		Description: p.Description,
		Slot:        p.Slot,
		CreatedAt:   now.Format(time.RFC3339),
	}

	switch b.KYCPolicy {
	case domain.KYCRequired:
		ok, checked, kerr := e.Settle.Whitelisted(ctx, p.Account)
		if kerr != nil {
			return domain.Claim{}, fmt.Errorf("identity verification unavailable: %w", kerr)
		}
		if !checked {
			return domain.Claim{}, fmt.Errorf("identity verification unavailable: no oracle configured")
		}
		if !ok {
			return domain.Claim{}, forbiddenf("account has not passed identity verification")
		}
	case domain.KYCDeferred:
		ok, checked, kerr := e.Settle.Whitelisted(ctx, p.Account)
		if kerr != nil {
			return domain.Claim{}, kerr
		}
		if !checked || !ok {
			c.KYCDeferred = true
		}
	}

	if st.Kind == mode.KindWeightedSlots {
		seq, serr := e.Repo.NextSeqTx(ctx, tx, b.ID, p.Account)
		if serr != nil {
			return domain.Claim{}, serr
		}
		c.Seq = &seq
	} else {
		existing, ferr := e.Repo.FindClaimTx(ctx, tx, b.ID, p.Account, nil)
		if ferr != nil && ferr != repo.ErrNotFound {
			return domain.Claim{}, ferr
		}
		if ferr == nil && domain.ActiveClaimStatus(existing.Status) {
			return domain.Claim{}, conflictf("account already has an active claim on this bounty")
		}
	}

	if b.Token != nil && e.Config.Claims.Bond > 0 {
		bond := e.Config.Claims.Bond
		c.Bond = &bond
	}

	deadline := b.MaxDeadline
	if p.DeadlineSeconds != nil {
		if *p.DeadlineSeconds <= 0 {
			return domain.Claim{}, fmt.Errorf("deadline must be positive")
		}
		if *p.DeadlineSeconds > b.MaxDeadline {
			return domain.Claim{}, fmt.Errorf("deadline exceeds the bounty maximum of %d seconds", b.MaxDeadline)
		}
		deadline = *p.DeadlineSeconds
	}

	if b.ClaimantApproval {
		c.Status = domain.ClaimNew
	} else {
		c.Status = domain.ClaimReadyToStart
		if strat.Started(now) {
			// Promotion below picks it up, but set the claimant's own
			// deadline before the shared default applies.
			d := now.Add(time.Duration(deadline) * time.Second).Format(time.RFC3339)
			c.DeadlineAt = &d
		}
	}

	c.ID, err = e.Repo.InsertClaim(ctx, tx, c)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := strat.Occupy(c.ID, p.Slot); err != nil {
		return domain.Claim{}, conflictf("%s", err)
	}
	if !b.ClaimantApproval {
		if err := e.promoteTx(ctx, tx, &b, st, strat, now); err != nil {
			return domain.Claim{}, err
		}
	}
	if err := e.recomputeTx(ctx, tx, &b, strat); err != nil {
		return domain.Claim{}, err
	}
	if err := e.saveMode(&b, st); err != nil {
		return domain.Claim{}, err
	}
	b.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateBounty(ctx, tx, b); err != nil {
		return domain.Claim{}, err
	}
	err = e.Events.Append(ctx, tx, "claim_submitted", b.ID, "claim", fmt.Sprint(c.ID), p.Account, events.EventPayload{
		"status": c.Status,
	})
	if err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	return e.Repo.GetClaim(ctx, c.ID)
}

// ApproveClaimant lets the owner admit a claimant on a bounty that requires
// claimant approval. Admitted claims start immediately when the mode allows.
func (e *Engine) ApproveClaimant(ctx context.Context, claimID int64, actor string) (domain.Claim, error) {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetClaimTx(ctx, tx, claimID)
	if err != nil {
		return domain.Claim{}, err
	}
	b, st, strat, err := e.loadBountyModeTx(ctx, tx, c.BountyID)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := e.requireOwnerOrAuthority(b, actor); err != nil {
		return domain.Claim{}, err
	}
	if !b.ClaimantApproval {
		return domain.Claim{}, conflictf("bounty does not require claimant approval")
	}
	if c.Status != domain.ClaimNew {
		return domain.Claim{}, conflictf("claim is %s, only new claims await approval", c.Status)
	}
	c.Status = domain.ClaimReadyToStart
	if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
		return domain.Claim{}, err
	}
	if err := e.promoteTx(ctx, tx, &b, st, strat, now); err != nil {
		return domain.Claim{}, err
	}
	if err := e.recomputeTx(ctx, tx, &b, strat); err != nil {
		return domain.Claim{}, err
	}
	if err := e.saveMode(&b, st); err != nil {
		return domain.Claim{}, err
	}
	b.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateBounty(ctx, tx, b); err != nil {
		return domain.Claim{}, err
	}
	err = e.Events.Append(ctx, tx, "claimant_approved", b.ID, "claim", fmt.Sprint(c.ID), actor, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	return e.Repo.GetClaim(ctx, claimID)
}

// RejectClaimant turns away a claimant awaiting approval and frees the
// capacity they held. The bond goes back.
func (e *Engine) RejectClaimant(ctx context.Context, claimID int64, actor string) (domain.Claim, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetClaimTx(ctx, tx, claimID)
	if err != nil {
		return domain.Claim{}, err
	}
	b, st, strat, err := e.loadBountyModeTx(ctx, tx, c.BountyID)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := e.requireOwnerOrAuthority(b, actor); err != nil {
		return domain.Claim{}, err
	}
	if c.Status != domain.ClaimNew {
		return domain.Claim{}, conflictf("claim is %s, only new claims await approval", c.Status)
	}
	c.Status = domain.ClaimNotHired
	strat.Release(c.Slot)
	var bondAction int64
	if bondAction, err = e.queueBondRefundTx(ctx, tx, b, &c); err != nil {
		return domain.Claim{}, err
	}
	if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
		return domain.Claim{}, err
	}
	if err := e.recomputeTx(ctx, tx, &b, strat); err != nil {
		return domain.Claim{}, err
	}
	if err := e.saveMode(&b, st); err != nil {
		return domain.Claim{}, err
	}
	b.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateBounty(ctx, tx, b); err != nil {
		return domain.Claim{}, err
	}
	err = e.Events.Append(ctx, tx, "claimant_rejected", b.ID, "claim", fmt.Sprint(c.ID), actor, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	if bondAction > 0 {
		e.Settle.Dispatch(ctx, bondAction)
	}
	return e.Repo.GetClaim(ctx, claimID)
}

// MarkDone reports a claim's work as finished. A claim past its deadline
// expires instead: the bond is forfeited and the capacity is released.
func (e *Engine) MarkDone(ctx context.Context, claimID int64, description, actor string) (domain.Claim, error) {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetClaimTx(ctx, tx, claimID)
	if err != nil {
		return domain.Claim{}, err
	}
	if actor != c.Account {
		return domain.Claim{}, forbiddenf("only the claimant can report their work done")
	}
	b, st, strat, err := e.loadBountyModeTx(ctx, tx, c.BountyID)
	if err != nil {
		return domain.Claim{}, err
	}
	if c.Status != domain.ClaimInProgress && c.Status != domain.ClaimCompetes {
		return domain.Claim{}, conflictf("claim is %s, nothing to mark done", c.Status)
	}
	if expired, xerr := e.expireClaimTx(ctx, tx, &b, st, strat, &c, now); xerr != nil {
		return domain.Claim{}, xerr
	} else if expired {
		if err := tx.Commit(); err != nil {
			return domain.Claim{}, err
		}
		return c, conflictf("claim deadline has passed")
	}
	c.Status = domain.ClaimCompleted
	if description != "" {
		c.Description = description
	}
	if st.Kind == mode.KindWeightedSlots {
		if ops, ok := strat.(mode.WeightedOps); ok {
			if err := ops.CompleteSlot(c.Slot); err != nil {
				return domain.Claim{}, conflictf("%s", err)
			}
		}
	}
	if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
		return domain.Claim{}, err
	}
	if err := e.saveMode(&b, st); err != nil {
		return domain.Claim{}, err
	}
	b.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateBounty(ctx, tx, b); err != nil {
		return domain.Claim{}, err
	}
	err = e.Events.Append(ctx, tx, "claim_done", b.ID, "claim", fmt.Sprint(c.ID), actor, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	return c, nil
}

// expireClaimTx expires a claim whose deadline passed: forfeit the bond,
// release the capacity, recompute the bounty. Reports whether it fired.
func (e *Engine) expireClaimTx(ctx context.Context, tx *sql.Tx, b *domain.Bounty, st *mode.State, strat mode.Strategy, c *domain.Claim, now time.Time) (bool, error) {
	if c.DeadlineAt == nil {
		return false, nil
	}
	deadline, err := time.Parse(time.RFC3339, *c.DeadlineAt)
	if err != nil || !now.After(deadline) {
		return false, nil
	}
	c.Status = domain.ClaimExpired
	if c.Bond != nil && *c.Bond > 0 && b.Token != nil {
		if err := e.Ledger.AddForfeit(ctx, tx, *b.Token, *c.Bond); err != nil {
			return false, err
		}
		c.Bond = nil
	}
	strat.Release(c.Slot)
	if err := e.Repo.UpdateClaim(ctx, tx, *c); err != nil {
		return false, err
	}
	if err := e.recomputeTx(ctx, tx, b, strat); err != nil {
		return false, err
	}
	if err := e.saveMode(b, st); err != nil {
		return false, err
	}
	b.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateBounty(ctx, tx, *b); err != nil {
		return false, err
	}
	err = e.Events.Append(ctx, tx, "claim_expired", b.ID, "claim", fmt.Sprint(c.ID), c.Account, nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

// GiveUp lets a claimant walk away. Within the forgiveness window (or before
// work started) the bond comes back; after it the bond is forfeited.
func (e *Engine) GiveUp(ctx context.Context, claimID int64, actor string) (domain.Claim, error) {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetClaimTx(ctx, tx, claimID)
	if err != nil {
		return domain.Claim{}, err
	}
	if actor != c.Account {
		return domain.Claim{}, forbiddenf("only the claimant can give up their claim")
	}
	switch c.Status {
	case domain.ClaimNew, domain.ClaimReadyToStart, domain.ClaimCompetes, domain.ClaimInProgress:
	default:
		return domain.Claim{}, conflictf("claim is %s and cannot be given up", c.Status)
	}
	b, st, strat, err := e.loadBountyModeTx(ctx, tx, c.BountyID)
	if err != nil {
		return domain.Claim{}, err
	}
	c.Status = domain.ClaimCanceled
	strat.Release(c.Slot)

	var bondAction int64
	if forgiven(c, now, e.Config.Claims.ForgivenessSeconds) {
		if bondAction, err = e.queueBondRefundTx(ctx, tx, b, &c); err != nil {
			return domain.Claim{}, err
		}
	} else if c.Bond != nil && *c.Bond > 0 && b.Token != nil {
		if err := e.Ledger.AddForfeit(ctx, tx, *b.Token, *c.Bond); err != nil {
			return domain.Claim{}, err
		}
		c.Bond = nil
	}

	if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
		return domain.Claim{}, err
	}
	if err := e.recomputeTx(ctx, tx, &b, strat); err != nil {
		return domain.Claim{}, err
	}
	if err := e.saveMode(&b, st); err != nil {
		return domain.Claim{}, err
	}
	b.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateBounty(ctx, tx, b); err != nil {
		return domain.Claim{}, err
	}
	err = e.Events.Append(ctx, tx, "claim_gave_up", b.ID, "claim", fmt.Sprint(c.ID), actor, events.EventPayload{
		"bond_refunded": bondAction > 0,
	})
	if err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	if bondAction > 0 {
		e.Settle.Dispatch(ctx, bondAction)
	}
	return e.Repo.GetClaim(ctx, claimID)
}

// forgiven reports whether a quitting claimant gets their bond back: work
// never started, or started less than the forgiveness window ago.
func forgiven(c domain.Claim, now time.Time, forgivenessSeconds int64) bool {
	if c.StartedAt == nil {
		return true
	}
	started, err := time.Parse(time.RFC3339, *c.StartedAt)
	if err != nil {
		return false
	}
	return !now.After(started.Add(time.Duration(forgivenessSeconds) * time.Second))
}

// queueBondRefundTx stages a bond return for the claim, clearing the bond
// from the row. Returns the action id, zero when there is nothing to refund.
func (e *Engine) queueBondRefundTx(ctx context.Context, tx *sql.Tx, b domain.Bounty, c *domain.Claim) (int64, error) {
	if c.Bond == nil || *c.Bond <= 0 || b.Token == nil {
		return 0, nil
	}
	id, err := e.Settle.Queue(ctx, tx, domain.Action{
		Kind:      domain.ActionBondRefund,
		BountyID:  b.ID,
		ClaimID:   &c.ID,
		Token:     *b.Token,
		Amount:    *c.Bond,
		Recipient: c.Account,
		Memo:      fmt.Sprintf("bond return for bounty %d", b.ID),
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (e *Engine) requireOwnerOrAuthority(b domain.Bounty, actor string) error {
	if actor == b.Owner {
		return nil
	}
	if b.Authority != nil && actor == *b.Authority {
		return nil
	}
	return forbiddenf("only the bounty owner or its authority may do this")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

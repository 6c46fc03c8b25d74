package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
	"bountyline/internal/mode"
	"bountyline/internal/settle"
)

const testToken = "usdt.token"

type transferCall struct {
	ActionID  int64
	Token     string
	Recipient string
	Amount    int64
}

type fakeTransfer struct {
	calls []transferCall
	fail  bool
}

func (f *fakeTransfer) Transfer(_ context.Context, actionID int64, token, recipient string, amount int64, _ string) error {
	if f.fail {
		return errors.New("wire unavailable")
	}
	f.calls = append(f.calls, transferCall{ActionID: actionID, Token: token, Recipient: recipient, Amount: amount})
	return nil
}

type fakeGovernance struct {
	next      int64
	proposals map[int64]domain.Proposal
	submitted map[int64]int64
}

func (f *fakeGovernance) SubmitProposal(_ context.Context, actionID int64, _ string, _ settle.PayoutRef, _ int64) error {
	f.next++
	f.proposals[f.next] = domain.Proposal{ID: f.next, Status: domain.ProposalInProgress}
	f.submitted[actionID] = f.next
	return nil
}

func (f *fakeGovernance) GetProposal(_ context.Context, id int64) (domain.Proposal, error) {
	p, ok := f.proposals[id]
	if !ok {
		return domain.Proposal{}, errors.New("no such proposal")
	}
	return p, nil
}

type fakeDisputes struct {
	next     int64
	disputes map[int64]domain.Dispute
	created  map[int64]int64
}

func (f *fakeDisputes) CreateDispute(_ context.Context, actionID int64, _ settle.DisputeRequest) error {
	f.next++
	f.disputes[f.next] = domain.Dispute{ID: f.next, Status: domain.DisputeNew}
	f.created[actionID] = f.next
	return nil
}

func (f *fakeDisputes) GetDispute(_ context.Context, id int64) (domain.Dispute, error) {
	d, ok := f.disputes[id]
	if !ok {
		return domain.Dispute{}, errors.New("no such dispute")
	}
	return d, nil
}

type fakeKYC struct{ allowed map[string]bool }

func (f *fakeKYC) IsWhitelisted(_ context.Context, account string) (bool, error) {
	return f.allowed[account], nil
}

type testEnv struct {
	Engine   *engine.Engine
	Ctx      context.Context
	Transfer *fakeTransfer
	Gov      *fakeGovernance
	Disputes *fakeDisputes
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Platform.Authorities = []string{"auditor"}
	env := &testEnv{
		Ctx:      context.Background(),
		Transfer: &fakeTransfer{},
		Gov:      &fakeGovernance{proposals: map[int64]domain.Proposal{}, submitted: map[int64]int64{}},
		Disputes: &fakeDisputes{disputes: map[int64]domain.Dispute{}, created: map[int64]int64{}},
		now:      time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
	env.Engine = engine.New(conn, cfg, settle.Ports{
		Transfer:   env.Transfer,
		Governance: env.Gov,
		Disputes:   env.Disputes,
	}, nil)
	env.Engine.Now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) advance(d time.Duration) { env.now = env.now.Add(d) }

func (env *testEnv) createBounty(t *testing.T, p engine.CreateBountyParams) domain.Bounty {
	t.Helper()
	if p.Owner == "" {
		p.Owner = "owner"
	}
	if p.Title == "" {
		p.Title = "Build the thing"
	}
	if p.Category == "" {
		p.Category = "development"
	}
	if !p.Postpaid {
		if p.Token == nil {
			tok := testToken
			p.Token = &tok
		}
		if p.Amount == 0 {
			p.Amount = 100_000
		}
	}
	if p.MaxDeadline == 0 {
		p.MaxDeadline = 86_400
	}
	b, err := env.Engine.CreateBounty(env.Ctx, p)
	if err != nil {
		t.Fatalf("create bounty: %v", err)
	}
	return b
}

func (env *testEnv) submitClaim(t *testing.T, bountyID int64, account string, slot *int) domain.Claim {
	t.Helper()
	c, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitClaimParams{BountyID: bountyID, Account: account, Slot: slot})
	if err != nil {
		t.Fatalf("submit claim for %s: %v", account, err)
	}
	return c
}

func (env *testEnv) markDone(t *testing.T, claimID int64, account string) domain.Claim {
	t.Helper()
	c, err := env.Engine.MarkDone(env.Ctx, claimID, "", account)
	if err != nil {
		t.Fatalf("mark done: %v", err)
	}
	return c
}

func (env *testEnv) approveAndSettle(t *testing.T, claimID int64, actor string) domain.Claim {
	t.Helper()
	c, err := env.Engine.Decide(env.Ctx, claimID, true, actor)
	if err != nil {
		t.Fatalf("decide approve: %v", err)
	}
	if c.PayoutActionID == nil {
		t.Fatalf("expected a staged payout on claim %d", claimID)
	}
	if err := env.Engine.ResolveAction(env.Ctx, *c.PayoutActionID, true, nil); err != nil {
		t.Fatalf("resolve payout: %v", err)
	}
	env.settleTransfers(t, c.BountyID)
	c, err = env.Engine.Repo.GetClaim(env.Ctx, claimID)
	if err != nil {
		t.Fatalf("reload claim: %v", err)
	}
	return c
}

// settleTransfers resolves every pending transfer-like action of the bounty
// as successful, repeating until nothing new is staged.
func (env *testEnv) settleTransfers(t *testing.T, bountyID int64) {
	t.Helper()
	for {
		actions, err := env.Engine.Repo.ListActionsByBounty(env.Ctx, bountyID)
		if err != nil {
			t.Fatalf("list actions: %v", err)
		}
		progressed := false
		for _, a := range actions {
			if a.Status != domain.ActionPending {
				continue
			}
			switch a.Kind {
			case domain.ActionPayout, domain.ActionRefund, domain.ActionBondRefund, domain.ActionWithdraw:
				if err := env.Engine.ResolveAction(env.Ctx, a.ID, true, nil); err != nil {
					t.Fatalf("resolve action %d: %v", a.ID, err)
				}
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

func (env *testEnv) paidTotal(t *testing.T, bountyID int64) int64 {
	t.Helper()
	actions, err := env.Engine.Repo.ListActionsByBounty(env.Ctx, bountyID)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	var total int64
	for _, a := range actions {
		if a.Kind == domain.ActionPayout && a.Status == domain.ActionApplied {
			total += a.Amount
		}
	}
	return total
}

func intp(v int) *int { return &v }

func TestSingleClaimLifecycle(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{})
	if b.PlatformFee != 10_000 {
		t.Fatalf("expected platform fee 10000, got %d", b.PlatformFee)
	}

	c := env.submitClaim(t, b.ID, "alice", nil)
	if c.Status != domain.ClaimInProgress {
		t.Fatalf("expected in_progress, got %s", c.Status)
	}
	if c.Bond == nil || *c.Bond != 1000 {
		t.Fatalf("expected staked bond of 1000")
	}
	b, _ = env.Engine.Repo.GetBounty(env.Ctx, b.ID)
	if b.Status != domain.BountyClaimed {
		t.Fatalf("expected bounty claimed, got %s", b.Status)
	}

	env.markDone(t, c.ID, "alice")
	c = env.approveAndSettle(t, c.ID, "owner")
	if c.Status != domain.ClaimApproved || c.PaidAt == nil {
		t.Fatalf("expected approved paid claim, got %s", c.Status)
	}
	if c.Bond != nil {
		t.Fatalf("expected bond returned after settlement")
	}

	b, _ = env.Engine.Repo.GetBounty(env.Ctx, b.ID)
	if b.Status != domain.BountyCompleted {
		t.Fatalf("expected bounty completed, got %s", b.Status)
	}
	if got := env.paidTotal(t, b.ID); got != 100_000 {
		t.Fatalf("expected 100000 paid out, got %d", got)
	}
	entry, err := env.Engine.Ledger.Entry(env.Ctx, testToken, "")
	if err != nil {
		t.Fatalf("ledger entry: %v", err)
	}
	if entry.Balance != 10_000 || entry.Locked != 0 {
		t.Fatalf("expected unlocked commission 10000, got balance=%d locked=%d", entry.Balance, entry.Locked)
	}
}

func TestFailedPayoutCanBeRetried(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{})
	c := env.submitClaim(t, b.ID, "alice", nil)
	env.markDone(t, c.ID, "alice")

	c, err := env.Engine.Decide(env.Ctx, c.ID, true, "owner")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	actionID := *c.PayoutActionID

	// A second decision while the payout is in flight must be refused.
	if _, err := env.Engine.Decide(env.Ctx, c.ID, true, "owner"); err == nil {
		t.Fatalf("expected in-flight settlement conflict")
	}

	if err := env.Engine.ResolveAction(env.Ctx, actionID, false, nil); err != nil {
		t.Fatalf("resolve failure: %v", err)
	}
	c, _ = env.Engine.Repo.GetClaim(env.Ctx, c.ID)
	if c.Status != domain.ClaimCompleted || c.PayoutActionID != nil {
		t.Fatalf("expected claim back to completed with no marker, got %s", c.Status)
	}

	// Resolving the same action twice must not double-apply.
	if err := env.Engine.ResolveAction(env.Ctx, actionID, true, nil); err == nil {
		t.Fatalf("expected error resolving a settled action")
	}

	c = env.approveAndSettle(t, c.ID, "owner")
	if c.Status != domain.ClaimApproved {
		t.Fatalf("expected approved after retry, got %s", c.Status)
	}
	if got := env.paidTotal(t, b.ID); got != 100_000 {
		t.Fatalf("expected single payout of 100000, got %d", got)
	}

	// A settled claim admits no further decision.
	if _, err := env.Engine.Decide(env.Ctx, c.ID, true, "owner"); err == nil {
		t.Fatalf("expected a settled claim to refuse another decision")
	}
	if _, err := env.Engine.Decide(env.Ctx, c.ID, false, "owner"); err == nil {
		t.Fatalf("expected a settled claim to refuse a decline")
	}
}

func TestFixedSlotsPayoutConservation(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{
		Amount: 100,
		Mode:   &mode.State{Kind: mode.KindFixedSlots, Fixed: &mode.FixedSlotsState{Slots: 3}},
	})

	accounts := []string{"alice", "bob", "carol"}
	var claims []domain.Claim
	for _, a := range accounts {
		claims = append(claims, env.submitClaim(t, b.ID, a, nil))
	}
	b, _ = env.Engine.Repo.GetBounty(env.Ctx, b.ID)
	if b.Status != domain.BountyManyClaimed {
		t.Fatalf("expected many_claimed, got %s", b.Status)
	}

	for i, c := range claims {
		env.markDone(t, c.ID, accounts[i])
		env.approveAndSettle(t, c.ID, "owner")
	}
	if got := env.paidTotal(t, b.ID); got != 100 {
		t.Fatalf("shares must sum to the bounty amount, got %d", got)
	}
	b, _ = env.Engine.Repo.GetBounty(env.Ctx, b.ID)
	if b.Status != domain.BountyCompleted {
		t.Fatalf("expected completed, got %s", b.Status)
	}
}

func TestFixedSlotsWaitForMinimum(t *testing.T) {
	env := newTestEnv(t)
	min := 2
	b := env.createBounty(t, engine.CreateBountyParams{
		Mode: &mode.State{Kind: mode.KindFixedSlots, Fixed: &mode.FixedSlotsState{Slots: 3, MinSlotsToStart: &min}},
	})

	first := env.submitClaim(t, b.ID, "alice", nil)
	if first.Status != domain.ClaimReadyToStart {
		t.Fatalf("expected ready_to_start before the minimum, got %s", first.Status)
	}
	second := env.submitClaim(t, b.ID, "bob", nil)
	if second.Status != domain.ClaimInProgress {
		t.Fatalf("expected in_progress once the minimum is met, got %s", second.Status)
	}
	first, _ = env.Engine.Repo.GetClaim(env.Ctx, first.ID)
	if first.Status != domain.ClaimInProgress {
		t.Fatalf("expected the waiting claim promoted too, got %s", first.Status)
	}
	if first.StartedAt == nil || second.StartedAt == nil || *first.StartedAt != *second.StartedAt {
		t.Fatalf("promoted claims must share a start time")
	}
}

func TestContestPrizes(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{
		Amount: 100,
		Mode: &mode.State{Kind: mode.KindContest, Contest: &mode.ContestState{
			PrizePlaces: []int64{60, 40},
		}},
	})

	alice := env.submitClaim(t, b.ID, "alice", nil)
	bob := env.submitClaim(t, b.ID, "bob", nil)
	if alice.Status != domain.ClaimCompetes || bob.Status != domain.ClaimCompetes {
		t.Fatalf("expected both entries competing")
	}

	env.markDone(t, alice.ID, "alice")
	env.markDone(t, bob.ID, "bob")

	env.approveAndSettle(t, alice.ID, "owner")
	env.approveAndSettle(t, bob.ID, "owner")

	actions, _ := env.Engine.Repo.ListActionsByBounty(env.Ctx, b.ID)
	var amounts []int64
	for _, a := range actions {
		if a.Kind == domain.ActionPayout && a.Status == domain.ActionApplied {
			amounts = append(amounts, a.Amount)
		}
	}
	if len(amounts) != 2 || amounts[0] != 60 || amounts[1] != 40 {
		t.Fatalf("expected prizes [60 40], got %v", amounts)
	}
	b, _ = env.Engine.Repo.GetBounty(env.Ctx, b.ID)
	if b.Status != domain.BountyCompleted {
		t.Fatalf("expected completed contest, got %s", b.Status)
	}
}

func TestContestClosesLosers(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{
		Amount: 100,
		Mode:   &mode.State{Kind: mode.KindContest, Contest: &mode.ContestState{}},
	})
	winner := env.submitClaim(t, b.ID, "alice", nil)
	loser := env.submitClaim(t, b.ID, "bob", nil)
	env.markDone(t, winner.ID, "alice")
	env.markDone(t, loser.ID, "bob")

	env.approveAndSettle(t, winner.ID, "owner")
	loser, _ = env.Engine.Repo.GetClaim(env.Ctx, loser.ID)
	if loser.Status != domain.ClaimNotCompleted {
		t.Fatalf("expected the losing entry swept to not_completed, got %s", loser.Status)
	}
	if loser.Bond != nil {
		t.Fatalf("expected the loser's bond returned")
	}
}

func TestContestRetryAfterFailedTransfer(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{
		Amount: 100,
		Mode:   &mode.State{Kind: mode.KindContest, Contest: &mode.ContestState{}},
	})
	c := env.submitClaim(t, b.ID, "alice", nil)
	env.markDone(t, c.ID, "alice")

	c, err := env.Engine.Decide(env.Ctx, c.ID, true, "owner")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if err := env.Engine.ResolveAction(env.Ctx, *c.PayoutActionID, false, nil); err != nil {
		t.Fatalf("resolve failure: %v", err)
	}

	// The revert frees the prize place, so the decision can be staged again.
	c = env.approveAndSettle(t, c.ID, "owner")
	if c.Status != domain.ClaimApproved {
		t.Fatalf("expected approved after retry, got %s", c.Status)
	}
	if got := env.paidTotal(t, b.ID); got != 100 {
		t.Fatalf("expected a single prize of 100, got %d", got)
	}
}

func TestWeightedSlotsShares(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{
		Amount: 101,
		Mode: &mode.State{Kind: mode.KindWeightedSlots, Weighted: &mode.WeightedSlotsState{
			Subtasks: []mode.Subtask{
				{Description: "backend", Percent: 50_000},
				{Description: "frontend", Percent: 50_000},
			},
		}},
	})

	alice := env.submitClaim(t, b.ID, "alice", intp(0))
	bob := env.submitClaim(t, b.ID, "bob", intp(1))
	env.markDone(t, alice.ID, "alice")
	env.markDone(t, bob.ID, "bob")

	alice = env.approveAndSettle(t, alice.ID, "owner")
	bob = env.approveAndSettle(t, bob.ID, "owner")
	if alice.Status != domain.ClaimApproved || bob.Status != domain.ClaimApproved {
		t.Fatalf("expected both subtasks settled")
	}
	if got := env.paidTotal(t, b.ID); got != 101 {
		t.Fatalf("rounding residue must go to the final share, got %d", got)
	}
	b, _ = env.Engine.Repo.GetBounty(env.Ctx, b.ID)
	if b.Status != domain.BountyCompleted {
		t.Fatalf("expected completed, got %s", b.Status)
	}
}

func TestWeightedSlotRejectsDoubleClaim(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{
		Mode: &mode.State{Kind: mode.KindWeightedSlots, Weighted: &mode.WeightedSlotsState{
			Subtasks: []mode.Subtask{{Description: "all", Percent: 100_000}},
		}},
	})
	env.submitClaim(t, b.ID, "alice", intp(0))
	if _, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitClaimParams{BountyID: b.ID, Account: "bob", Slot: intp(0)}); err == nil {
		t.Fatalf("expected occupied slot to refuse a second claim")
	}
}

func TestBatchApproveWeightedSharesRemainder(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{
		Amount: 100,
		Mode: &mode.State{Kind: mode.KindWeightedSlots, Weighted: &mode.WeightedSlotsState{
			Subtasks: []mode.Subtask{
				{Description: "design", Percent: 33_333},
				{Description: "build", Percent: 33_333},
				{Description: "verify", Percent: 33_334},
			},
		}},
	})

	accounts := []string{"alice", "bob", "carol"}
	var ids []int64
	for i, a := range accounts {
		c := env.submitClaim(t, b.ID, a, intp(i))
		env.markDone(t, c.ID, a)
		ids = append(ids, c.ID)
	}

	if err := env.Engine.BatchApprove(env.Ctx, b.ID, ids, "owner"); err != nil {
		t.Fatalf("batch approve: %v", err)
	}
	env.settleTransfers(t, b.ID)

	if got := env.paidTotal(t, b.ID); got != 100 {
		t.Fatalf("batched shares must sum to the bounty amount, got %d", got)
	}
	b, _ = env.Engine.Repo.GetBounty(env.Ctx, b.ID)
	if b.Status != domain.BountyCompleted {
		t.Fatalf("expected completed, got %s", b.Status)
	}
	entry, err := env.Engine.Ledger.Entry(env.Ctx, testToken, "")
	if err != nil {
		t.Fatalf("ledger entry: %v", err)
	}
	if entry.Locked != 0 {
		t.Fatalf("completed bounty must leave no fee locked, got %d", entry.Locked)
	}
}

func TestGiveUpBondHandling(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{})

	// Within the forgiveness window the bond comes back.
	c := env.submitClaim(t, b.ID, "alice", nil)
	env.advance(1 * time.Hour)
	if _, err := env.Engine.GiveUp(env.Ctx, c.ID, "alice"); err != nil {
		t.Fatalf("give up: %v", err)
	}
	env.settleTransfers(t, b.ID)
	c, _ = env.Engine.Repo.GetClaim(env.Ctx, c.ID)
	if c.Status != domain.ClaimCanceled || c.Bond != nil {
		t.Fatalf("expected canceled claim with bond returned")
	}
	pool, _ := env.Engine.Ledger.BondPool(env.Ctx, testToken)
	if pool.Balance != 0 {
		t.Fatalf("expected empty forfeit pool, got %d", pool.Balance)
	}

	// Past the window the bond is forfeited.
	c2 := env.submitClaim(t, b.ID, "bob", nil)
	env.advance(48 * time.Hour)
	if _, err := env.Engine.GiveUp(env.Ctx, c2.ID, "bob"); err != nil {
		t.Fatalf("give up late: %v", err)
	}
	pool, _ = env.Engine.Ledger.BondPool(env.Ctx, testToken)
	if pool.Balance != 1000 {
		t.Fatalf("expected forfeited bond of 1000, got %d", pool.Balance)
	}
	b, _ = env.Engine.Repo.GetBounty(env.Ctx, b.ID)
	if b.Status != domain.BountyNew {
		t.Fatalf("expected bounty back to new, got %s", b.Status)
	}
}

func TestCancelRefundsEscrowWithPenalty(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Ledger.PenaltyBPS = 500
	b := env.createBounty(t, engine.CreateBountyParams{})

	got, err := env.Engine.CancelBounty(env.Ctx, b.ID, "owner")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.BountyCanceled {
		t.Fatalf("expected canceled, got %s", got.Status)
	}
	env.settleTransfers(t, b.ID)

	if len(env.Transfer.calls) != 1 || env.Transfer.calls[0].Amount != 100_000 || env.Transfer.calls[0].Recipient != "owner" {
		t.Fatalf("expected one escrow refund to the owner, got %+v", env.Transfer.calls)
	}
	// Penalty of 500/1000 bps keeps half of the 10000 fee.
	entry, err := env.Engine.Ledger.Entry(env.Ctx, testToken, "")
	if err != nil {
		t.Fatalf("ledger entry: %v", err)
	}
	if entry.Balance != 5000 || entry.Locked != 0 {
		t.Fatalf("expected retained penalty 5000, got balance=%d locked=%d", entry.Balance, entry.Locked)
	}
}

func TestCancelBlockedByLiveClaims(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{})
	env.submitClaim(t, b.ID, "alice", nil)
	if _, err := env.Engine.CancelBounty(env.Ctx, b.ID, "owner"); err == nil {
		t.Fatalf("expected cancel refusal while a claim is live")
	}
}

func TestFixedSlotsPartialCancelRefund(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{
		Amount: 100_000,
		Mode:   &mode.State{Kind: mode.KindFixedSlots, Fixed: &mode.FixedSlotsState{Slots: 2}},
	})

	winner := env.submitClaim(t, b.ID, "alice", nil)
	quitter := env.submitClaim(t, b.ID, "bob", nil)
	env.markDone(t, winner.ID, "alice")
	env.approveAndSettle(t, winner.ID, "owner")
	if _, err := env.Engine.GiveUp(env.Ctx, quitter.ID, "bob"); err != nil {
		t.Fatalf("give up: %v", err)
	}
	env.settleTransfers(t, b.ID)

	b, _ = env.Engine.Repo.GetBounty(env.Ctx, b.ID)
	if b.Status != domain.BountyAwaitingClaims {
		t.Fatalf("expected awaiting_claims with one slot paid, got %s", b.Status)
	}

	got, err := env.Engine.CancelBounty(env.Ctx, b.ID, "owner")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.BountyPartiallyCompleted {
		t.Fatalf("expected partially_completed, got %s", got.Status)
	}
	env.settleTransfers(t, b.ID)

	if got := env.paidTotal(t, b.ID); got != 50_000 {
		t.Fatalf("expected the approved half retained, got %d", got)
	}
	actions, _ := env.Engine.Repo.ListActionsByBounty(env.Ctx, b.ID)
	var refund int64
	for _, a := range actions {
		if a.Kind == domain.ActionRefund && a.Status == domain.ActionApplied {
			refund += a.Amount
		}
	}
	if refund != 50_000 {
		t.Fatalf("expected the unpaid half refunded, got %d", refund)
	}
	entry, err := env.Engine.Ledger.Entry(env.Ctx, testToken, "")
	if err != nil {
		t.Fatalf("ledger entry: %v", err)
	}
	if entry.Balance != 5_000 || entry.Locked != 0 {
		t.Fatalf("expected half the fee kept and nothing locked, got balance=%d locked=%d", entry.Balance, entry.Locked)
	}
}

func TestRejectionWindowExpiresToNotCompleted(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{})
	c := env.submitClaim(t, b.ID, "alice", nil)
	env.markDone(t, c.ID, "alice")

	c, err := env.Engine.Decide(env.Ctx, c.ID, false, "owner")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if c.Status != domain.ClaimRejected || c.RejectedAt == nil {
		t.Fatalf("expected rejected claim with timestamp, got %s", c.Status)
	}

	env.advance(8 * 24 * time.Hour)
	if err := env.Engine.Finalize(env.Ctx, b.ID, "owner"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	env.settleTransfers(t, b.ID)
	c, _ = env.Engine.Repo.GetClaim(env.Ctx, c.ID)
	if c.Status != domain.ClaimNotCompleted {
		t.Fatalf("expected not_completed after the window, got %s", c.Status)
	}
	b, _ = env.Engine.Repo.GetBounty(env.Ctx, b.ID)
	if b.Status != domain.BountyNew {
		t.Fatalf("expected bounty reopened, got %s", b.Status)
	}
}

func TestFinalizeExpiresOverdueClaims(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{})
	c := env.submitClaim(t, b.ID, "alice", nil)

	env.advance(3 * 24 * time.Hour)
	if err := env.Engine.Finalize(env.Ctx, b.ID, "cron"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	c, _ = env.Engine.Repo.GetClaim(env.Ctx, c.ID)
	if c.Status != domain.ClaimExpired {
		t.Fatalf("expected expired, got %s", c.Status)
	}
	pool, _ := env.Engine.Ledger.BondPool(env.Ctx, testToken)
	if pool.Balance != 1000 {
		t.Fatalf("expected forfeited bond, got %d", pool.Balance)
	}

	// Second sweep finds nothing to do.
	if err := env.Engine.Finalize(env.Ctx, b.ID, "cron"); err != nil {
		t.Fatalf("finalize again: %v", err)
	}
	pool, _ = env.Engine.Ledger.BondPool(env.Ctx, testToken)
	if pool.Balance != 1000 {
		t.Fatalf("finalize must be idempotent, pool=%d", pool.Balance)
	}
}

func TestDisputeWonByClaimant(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{})
	c := env.submitClaim(t, b.ID, "alice", nil)
	env.markDone(t, c.ID, "alice")
	if _, err := env.Engine.Decide(env.Ctx, c.ID, false, "owner"); err != nil {
		t.Fatalf("decline: %v", err)
	}

	c, err := env.Engine.OpenDispute(env.Ctx, c.ID, "the work meets the brief", "alice")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if c.Status != domain.ClaimDisputed {
		t.Fatalf("expected disputed, got %s", c.Status)
	}

	// Settle the dispute-creation action with the arbitration case id.
	var disputeID int64
	actions, _ := env.Engine.Repo.ListActionsByBounty(env.Ctx, b.ID)
	for _, a := range actions {
		if a.Kind == domain.ActionDispute && a.Status == domain.ActionPending {
			disputeID = env.Disputes.created[a.ID]
			if err := env.Engine.ResolveAction(env.Ctx, a.ID, true, &disputeID); err != nil {
				t.Fatalf("resolve dispute creation: %v", err)
			}
		}
	}
	if disputeID == 0 {
		t.Fatalf("expected a dispute to be created")
	}

	env.Disputes.disputes[disputeID] = domain.Dispute{ID: disputeID, Status: domain.DisputeForClaimant}
	if err := env.Engine.Finalize(env.Ctx, b.ID, "cron"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// The sweep restores the claim but leaves the payout to a decision.
	c, _ = env.Engine.Repo.GetClaim(env.Ctx, c.ID)
	if c.Status != domain.ClaimCompletedWithDispute {
		t.Fatalf("expected completed_with_dispute awaiting a decision, got %s", c.Status)
	}
	if c.PayoutActionID != nil {
		t.Fatalf("sweep must not stage the payout itself")
	}
	if err := env.Engine.Finalize(env.Ctx, b.ID, "cron"); err != nil {
		t.Fatalf("second finalize: %v", err)
	}

	c = env.approveAndSettle(t, c.ID, "owner")
	if c.Status != domain.ClaimApproved {
		t.Fatalf("expected payout after the decision, got %s", c.Status)
	}
	if got := env.paidTotal(t, b.ID); got != 100_000 {
		t.Fatalf("expected full payout, got %d", got)
	}
}

func TestDisputeLostForfeitsBond(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{})
	c := env.submitClaim(t, b.ID, "alice", nil)
	env.markDone(t, c.ID, "alice")
	if _, err := env.Engine.Decide(env.Ctx, c.ID, false, "owner"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	c, err := env.Engine.OpenDispute(env.Ctx, c.ID, "disagree", "alice")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	var disputeID int64
	actions, _ := env.Engine.Repo.ListActionsByBounty(env.Ctx, b.ID)
	for _, a := range actions {
		if a.Kind == domain.ActionDispute && a.Status == domain.ActionPending {
			disputeID = env.Disputes.created[a.ID]
			_ = env.Engine.ResolveAction(env.Ctx, a.ID, true, &disputeID)
		}
	}
	env.Disputes.disputes[disputeID] = domain.Dispute{ID: disputeID, Status: domain.DisputeForOwner}
	if err := env.Engine.Finalize(env.Ctx, b.ID, "cron"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	c, _ = env.Engine.Repo.GetClaim(env.Ctx, c.ID)
	if c.Status != domain.ClaimNotCompleted {
		t.Fatalf("expected not_completed, got %s", c.Status)
	}
	pool, _ := env.Engine.Ledger.BondPool(env.Ctx, testToken)
	if pool.Balance != 1000 {
		t.Fatalf("expected the lost dispute to forfeit the bond, got %d", pool.Balance)
	}
}

func TestDisputedSlotJoinsBatchApproval(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{
		Amount: 100_000,
		Mode: &mode.State{Kind: mode.KindWeightedSlots, Weighted: &mode.WeightedSlotsState{
			Subtasks: []mode.Subtask{
				{Description: "spec", Percent: 20_000},
				{Description: "build", Percent: 80_000},
			},
		}},
	})
	alice := env.submitClaim(t, b.ID, "alice", intp(0))
	bob := env.submitClaim(t, b.ID, "bob", intp(1))
	env.markDone(t, alice.ID, "alice")
	env.markDone(t, bob.ID, "bob")

	// Slot 0 settles individually at its 20% share.
	env.approveAndSettle(t, alice.ID, "owner")

	// Slot 1 is declined, disputed, and the arbiter sides with the claimant.
	if _, err := env.Engine.Decide(env.Ctx, bob.ID, false, "owner"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if _, err := env.Engine.OpenDispute(env.Ctx, bob.ID, "the build works", "bob"); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	var disputeID int64
	actions, _ := env.Engine.Repo.ListActionsByBounty(env.Ctx, b.ID)
	for _, a := range actions {
		if a.Kind == domain.ActionDispute && a.Status == domain.ActionPending {
			disputeID = env.Disputes.created[a.ID]
			if err := env.Engine.ResolveAction(env.Ctx, a.ID, true, &disputeID); err != nil {
				t.Fatalf("resolve dispute creation: %v", err)
			}
		}
	}
	env.Disputes.disputes[disputeID] = domain.Dispute{ID: disputeID, Status: domain.DisputeForClaimant}
	if err := env.Engine.Finalize(env.Ctx, b.ID, "cron"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	bobClaim, _ := env.Engine.Repo.GetClaim(env.Ctx, bob.ID)
	if bobClaim.Status != domain.ClaimCompletedWithDispute {
		t.Fatalf("expected completed_with_dispute, got %s", bobClaim.Status)
	}

	if err := env.Engine.BatchApprove(env.Ctx, b.ID, []int64{bob.ID}, "owner"); err != nil {
		t.Fatalf("batch approve: %v", err)
	}
	env.settleTransfers(t, b.ID)

	bobClaim, _ = env.Engine.Repo.GetClaim(env.Ctx, bob.ID)
	if bobClaim.Status != domain.ClaimApproved {
		t.Fatalf("expected approved, got %s", bobClaim.Status)
	}
	if got := env.paidTotal(t, b.ID); got != 100_000 {
		t.Fatalf("payouts must sum to the principal, got %d", got)
	}
	entry, err := env.Engine.Ledger.Entry(env.Ctx, testToken, "")
	if err != nil {
		t.Fatalf("ledger entry: %v", err)
	}
	if entry.Balance != 10_000 || entry.Locked != 0 {
		t.Fatalf("expected the fee unlocked, not transferred, got balance=%d locked=%d", entry.Balance, entry.Locked)
	}
	b, _ = env.Engine.Repo.GetBounty(env.Ctx, b.ID)
	if b.Status != domain.BountyCompleted {
		t.Fatalf("expected completed, got %s", b.Status)
	}
}

func TestDAOPolicySettlesThroughProposal(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{DecisionPolicy: domain.DecideByDAO})
	c := env.submitClaim(t, b.ID, "alice", nil)
	env.markDone(t, c.ID, "alice")

	c, err := env.Engine.Decide(env.Ctx, c.ID, true, "owner")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if c.PayoutActionID == nil {
		t.Fatalf("expected a staged proposal action")
	}
	proposalID := env.Gov.submitted[*c.PayoutActionID]
	if proposalID == 0 {
		t.Fatalf("expected the proposal submitted to governance")
	}
	if err := env.Engine.ResolveAction(env.Ctx, *c.PayoutActionID, true, &proposalID); err != nil {
		t.Fatalf("resolve proposal creation: %v", err)
	}
	c, _ = env.Engine.Repo.GetClaim(env.Ctx, c.ID)
	if c.PayoutProposalID == nil || *c.PayoutProposalID != proposalID {
		t.Fatalf("expected the proposal id on the claim")
	}
	if c.Status != domain.ClaimCompleted {
		t.Fatalf("claim must stay completed while the vote runs, got %s", c.Status)
	}

	env.Gov.proposals[proposalID] = domain.Proposal{ID: proposalID, Status: domain.ProposalApproved}
	if err := env.Engine.Finalize(env.Ctx, b.ID, "cron"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	env.settleTransfers(t, b.ID)

	c, _ = env.Engine.Repo.GetClaim(env.Ctx, c.ID)
	if c.Status != domain.ClaimApproved {
		t.Fatalf("expected payout after the vote, got %s", c.Status)
	}
	if got := env.paidTotal(t, b.ID); got != 100_000 {
		t.Fatalf("expected full payout, got %d", got)
	}
}

func TestPostpaidBountyConfirmations(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{Postpaid: true})
	c := env.submitClaim(t, b.ID, "alice", nil)
	if c.Bond != nil {
		t.Fatalf("postpaid bounty must not stake a bond")
	}
	env.markDone(t, c.ID, "alice")

	c, err := env.Engine.Decide(env.Ctx, c.ID, true, "owner")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if c.Status != domain.ClaimApproved {
		t.Fatalf("postpaid approval is immediate, got %s", c.Status)
	}
	if len(env.Transfer.calls) != 0 {
		t.Fatalf("postpaid bounty must not move tokens")
	}
	b, _ = env.Engine.Repo.GetBounty(env.Ctx, b.ID)
	if b.Status != domain.BountyCompleted {
		t.Fatalf("expected completed, got %s", b.Status)
	}

	if _, err := env.Engine.MarkBountyPaid(env.Ctx, b.ID, "owner"); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	c, err = env.Engine.ConfirmPayment(env.Ctx, c.ID, "alice")
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if c.PaymentConfirmedAt == nil {
		t.Fatalf("expected payment confirmation on the claim")
	}
	b, _ = env.Engine.Repo.GetBounty(env.Ctx, b.ID)
	if b.PaidAt == nil || b.PaymentConfirmedAt == nil {
		t.Fatalf("expected payment timestamps on the bounty")
	}
}

func TestAuthorityFeeLockedAndUnlocked(t *testing.T) {
	env := newTestEnv(t)
	auth := "auditor"
	b := env.createBounty(t, engine.CreateBountyParams{Authority: &auth})
	if b.AuthorityFee != 5000 {
		t.Fatalf("expected authority fee 5000, got %d", b.AuthorityFee)
	}
	entry, _ := env.Engine.Ledger.Entry(env.Ctx, testToken, auth)
	if entry.Balance != 5000 || entry.Locked != 5000 {
		t.Fatalf("expected locked authority fee, got %+v", entry)
	}

	c := env.submitClaim(t, b.ID, "alice", nil)
	env.markDone(t, c.ID, "alice")
	env.approveAndSettle(t, c.ID, "owner")

	entry, _ = env.Engine.Ledger.Entry(env.Ctx, testToken, auth)
	if entry.Balance != 5000 || entry.Locked != 0 {
		t.Fatalf("expected unlocked authority fee, got %+v", entry)
	}
}

func TestWithdrawCommission(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{})
	c := env.submitClaim(t, b.ID, "alice", nil)
	env.markDone(t, c.ID, "alice")
	env.approveAndSettle(t, c.ID, "owner")

	if err := env.Engine.WithdrawCommission(env.Ctx, testToken, "", 10_000, "treasury", "owner"); err == nil {
		t.Fatalf("expected withdrawal forbidden for non-governance actor")
	}
	if err := env.Engine.WithdrawCommission(env.Ctx, testToken, "", 10_000, "treasury", "dao.governance"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	env.settleTransfers(t, 0)

	entry, _ := env.Engine.Ledger.Entry(env.Ctx, testToken, "")
	if entry.Balance != 0 {
		t.Fatalf("expected drained commission, got %d", entry.Balance)
	}
	last := env.Transfer.calls[len(env.Transfer.calls)-1]
	if last.Recipient != "treasury" || last.Amount != 10_000 {
		t.Fatalf("expected commission transfer to treasury, got %+v", last)
	}
}

func TestKYCGates(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Settle.Ports.KYC = &fakeKYC{allowed: map[string]bool{"alice": true}}

	b := env.createBounty(t, engine.CreateBountyParams{KYCPolicy: domain.KYCRequired})
	if _, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitClaimParams{BountyID: b.ID, Account: "mallory"}); err == nil {
		t.Fatalf("expected unverified account refused")
	}
	c := env.submitClaim(t, b.ID, "alice", nil)
	if c.KYCDeferred {
		t.Fatalf("verified account must not be deferred")
	}

	b2 := env.createBounty(t, engine.CreateBountyParams{KYCPolicy: domain.KYCDeferred})
	c2 := env.submitClaim(t, b2.ID, "bob", nil)
	if !c2.KYCDeferred {
		t.Fatalf("expected deferred verification marker")
	}
}

func TestWhitelistPolicy(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{
		DecisionPolicy: domain.DecideByWhitelist,
		Whitelist:      []string{"vip"},
	})
	if _, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitClaimParams{BountyID: b.ID, Account: "alice"}); err == nil {
		t.Fatalf("expected non-whitelisted claimant refused")
	}
	c := env.submitClaim(t, b.ID, "vip", nil)
	env.markDone(t, c.ID, "vip")
	if _, err := env.Engine.Decide(env.Ctx, c.ID, true, "owner"); err == nil {
		t.Fatalf("expected decision reserved to whitelist members")
	}
	c, err := env.Engine.Decide(env.Ctx, c.ID, true, "vip")
	if err != nil {
		t.Fatalf("whitelist decision: %v", err)
	}
	if c.PayoutActionID == nil {
		t.Fatalf("expected staged payout")
	}
}

func TestClaimantApprovalGate(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{ClaimantApproval: true})
	c := env.submitClaim(t, b.ID, "alice", nil)
	if c.Status != domain.ClaimNew {
		t.Fatalf("expected claim waiting for approval, got %s", c.Status)
	}
	if _, err := env.Engine.MarkDone(env.Ctx, c.ID, "", "alice"); err == nil {
		t.Fatalf("expected unapproved claimant blocked from reporting done")
	}
	c, err := env.Engine.ApproveClaimant(env.Ctx, c.ID, "owner")
	if err != nil {
		t.Fatalf("approve claimant: %v", err)
	}
	if c.Status != domain.ClaimInProgress {
		t.Fatalf("expected in_progress after approval, got %s", c.Status)
	}
}

func TestRejectClaimantFreesSlot(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{
		ClaimantApproval: true,
		Mode:             &mode.State{Kind: mode.KindFixedSlots, Fixed: &mode.FixedSlotsState{Slots: 1}},
	})
	c := env.submitClaim(t, b.ID, "alice", nil)
	if _, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitClaimParams{BountyID: b.ID, Account: "bob"}); err == nil {
		t.Fatalf("expected the only slot to be taken")
	}
	c, err := env.Engine.RejectClaimant(env.Ctx, c.ID, "owner")
	if err != nil {
		t.Fatalf("reject claimant: %v", err)
	}
	if c.Status != domain.ClaimNotHired {
		t.Fatalf("expected not_hired, got %s", c.Status)
	}
	env.settleTransfers(t, b.ID)
	c, _ = env.Engine.Repo.GetClaim(env.Ctx, c.ID)
	if c.Bond != nil {
		t.Fatalf("expected the bond returned to a turned-away claimant")
	}
	if _, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitClaimParams{BountyID: b.ID, Account: "bob"}); err != nil {
		t.Fatalf("expected the freed slot to accept a new claim: %v", err)
	}
}

func TestOwnerCannotClaimOwnBounty(t *testing.T) {
	env := newTestEnv(t)
	b := env.createBounty(t, engine.CreateBountyParams{})
	if _, err := env.Engine.SubmitClaim(env.Ctx, engine.SubmitClaimParams{BountyID: b.ID, Account: "owner"}); err == nil {
		t.Fatalf("expected owner refused")
	}
}

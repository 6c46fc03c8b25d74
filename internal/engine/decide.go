package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/mode"
	"bountyline/internal/settle"
)

// Decide accepts or declines a completed claim's work. Acceptance on a
// prepaid bounty stages a payout action; the claim only becomes approved when
// the transfer settles. Under the dao decision policy acceptance stages a
// governance proposal instead, and the payout follows the vote.
func (e *Engine) Decide(ctx context.Context, claimID int64, approve bool, actor string) (domain.Claim, error) {
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
	if err := e.canDecide(b, actor); err != nil {
		return domain.Claim{}, err
	}

	var actionID int64
	if approve {
		actionID, err = e.decideApproveTx(ctx, tx, &b, st, strat, &c)
	} else {
		err = e.decideRejectTx(ctx, tx, &b, st, strat, &c, actor)
	}
	if err != nil {
		return domain.Claim{}, err
	}

	if err := e.saveMode(&b, st); err != nil {
		return domain.Claim{}, err
	}
	b.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateBounty(ctx, tx, b); err != nil {
		return domain.Claim{}, err
	}
	evt := "claim_accepted"
	if !approve {
		evt = "claim_declined"
	}
	err = e.Events.Append(ctx, tx, evt, b.ID, "claim", fmt.Sprint(c.ID), actor, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	if actionID > 0 {
		e.Settle.Dispatch(ctx, actionID)
	}
	return e.Repo.GetClaim(ctx, claimID)
}

// BatchApprove accepts several completed claims of one bounty in a single
// transaction, then issues all staged payouts. Meant for weighted-slots
// bounties where subtasks settle together.
func (e *Engine) BatchApprove(ctx context.Context, bountyID int64, claimIDs []int64, actor string) error {
	if len(claimIDs) == 0 {
		return fmt.Errorf("no claims given")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	b, st, strat, err := e.loadBountyModeTx(ctx, tx, bountyID)
	if err != nil {
		return err
	}
	if err := e.canDecide(b, actor); err != nil {
		return err
	}
	var actionIDs []int64
	for _, id := range claimIDs {
		c, cerr := e.Repo.GetClaimTx(ctx, tx, id)
		if cerr != nil {
			return cerr
		}
		if c.BountyID != bountyID {
			return fmt.Errorf("claim %d does not belong to bounty %d", id, bountyID)
		}
		actionID, aerr := e.decideApproveTx(ctx, tx, &b, st, strat, &c)
		if aerr != nil {
			return aerr
		}
		if actionID > 0 {
			actionIDs = append(actionIDs, actionID)
		}
	}
	if err := e.saveMode(&b, st); err != nil {
		return err
	}
	b.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateBounty(ctx, tx, b); err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, "claims_batch_accepted", b.ID, "bounty", fmt.Sprint(b.ID), actor, events.EventPayload{
		"claims": len(claimIDs),
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, id := range actionIDs {
		e.Settle.Dispatch(ctx, id)
	}
	return nil
}

func (e *Engine) canDecide(b domain.Bounty, actor string) error {
	switch b.DecisionPolicy {
	case domain.DecideByWhitelist:
		if contains(b.Whitelist, actor) {
			return nil
		}
		return forbiddenf("only whitelist members may decide on this bounty")
	default:
		return e.requireOwnerOrAuthority(b, actor)
	}
}

// decideApproveTx stages the settlement for one accepted claim. Postpaid
// bounties approve directly; dao bounties stage a proposal first; everything
// else stages the payout transfer. The claim's payout_action_id doubles as
// the pending marker that blocks a second initiation.
func (e *Engine) decideApproveTx(ctx context.Context, tx *sql.Tx, b *domain.Bounty, st *mode.State, strat mode.Strategy, c *domain.Claim) (int64, error) {
	if domain.TerminalClaimStatus(c.Status) {
		return 0, conflictf("claim is %s and admits no further decision", c.Status)
	}
	if c.Status != domain.ClaimCompleted && c.Status != domain.ClaimCompletedWithDispute {
		return 0, conflictf("claim is %s, only completed work can be accepted", c.Status)
	}
	if c.PayoutActionID != nil {
		return 0, conflictf("claim already has a settlement in flight")
	}

	if b.Postpaid {
		c.Status = domain.ClaimApproved
		if err := strat.MarkPaid(c.Slot); err != nil {
			return 0, conflictf("%s", err)
		}
		if err := e.Repo.UpdateClaim(ctx, tx, *c); err != nil {
			return 0, err
		}
		if err := e.recomputeTx(ctx, tx, b, strat); err != nil {
			return 0, err
		}
		return 0, nil
	}

	if b.DecisionPolicy == domain.DecideByDAO && c.PayoutProposalID == nil {
		id, err := e.Settle.Queue(ctx, tx, domain.Action{
			Kind:      domain.ActionProposal,
			BountyID:  b.ID,
			ClaimID:   &c.ID,
			Recipient: c.Account,
			Memo:      fmt.Sprintf("payout for bounty %d: %s", b.ID, b.Title),
		})
		if err != nil {
			return 0, err
		}
		c.PayoutActionID = &id
		if err := e.Repo.UpdateClaim(ctx, tx, *c); err != nil {
			return 0, err
		}
		return id, nil
	}

	return e.queuePayoutTx(ctx, tx, b, st, c)
}

// queuePayoutTx computes the claim's exact share and stages the transfer.
// Every payout except the final one takes its computed share; the final one
// takes whatever the bounty still holds so the total always adds up. Staged
// payouts that have not settled yet count as booked, so several approvals in
// one transaction never hand out a share twice.
func (e *Engine) queuePayoutTx(ctx context.Context, tx *sql.Tx, b *domain.Bounty, st *mode.State, c *domain.Claim) (int64, error) {
	bookedAmount, bookedFee, bookedAuth, pending, err := e.Repo.SumPayoutsTx(ctx, tx, b.ID)
	if err != nil {
		return 0, err
	}

	share, final, err := payoutShare(b, st, c, bookedAmount, pending)
	if err != nil {
		return 0, err
	}
	var feeUnlock, authUnlock int64
	if final {
		feeUnlock = b.PlatformFee - bookedFee
		authUnlock = b.AuthorityFee - bookedAuth
	} else if b.Amount > 0 {
		feeUnlock = b.PlatformFee * share / b.Amount
		authUnlock = b.AuthorityFee * share / b.Amount
	}

	id, err := e.Settle.Queue(ctx, tx, domain.Action{
		Kind:       domain.ActionPayout,
		BountyID:   b.ID,
		ClaimID:    &c.ID,
		Token:      *b.Token,
		Amount:     share,
		FeeUnlock:  feeUnlock,
		AuthUnlock: authUnlock,
		Recipient:  c.Account,
		Memo:       fmt.Sprintf("payout for bounty %d", b.ID),
	})
	if err != nil {
		return 0, err
	}
	c.PayoutActionID = &id
	if err := e.Repo.UpdateClaim(ctx, tx, *c); err != nil {
		return 0, err
	}
	return id, nil
}

// payoutShare returns the principal owed to the claim and whether this is
// the payout that completes the bounty. bookedSoFar covers applied and
// pending payouts; pending is how many of those are still in flight, since
// the mode's paid counters only move when a payout settles.
func payoutShare(b *domain.Bounty, st *mode.State, c *domain.Claim, bookedSoFar int64, pending int) (int64, bool, error) {
	switch st.Kind {
	case mode.KindSingle:
		return ledger.FinalShare(b.Amount, bookedSoFar), true, nil
	case mode.KindContest:
		ct := st.Contest
		winners := len(ct.PrizePlaces)
		if winners == 0 {
			winners = 1
		}
		place := len(ct.Winners) + 1
		if place > winners {
			return 0, false, conflictf("all contest prizes are already awarded")
		}
		ct.Winners = append(ct.Winners, mode.ContestWinner{Account: c.Account, ClaimID: c.ID, Place: place})
		if place == winners {
			return ledger.FinalShare(b.Amount, bookedSoFar), true, nil
		}
		return ct.PrizePlaces[place-1], false, nil
	case mode.KindFixedSlots:
		f := st.Fixed
		if f.Paid+pending+1 >= f.Slots {
			return ledger.FinalShare(b.Amount, bookedSoFar), true, nil
		}
		return f.AmountPerSlot, false, nil
	case mode.KindWeightedSlots:
		w := st.Weighted
		if c.Slot == nil || *c.Slot < 0 || *c.Slot >= len(w.Subtasks) {
			return 0, false, fmt.Errorf("claim has no valid subtask slot")
		}
		unpaid := 0
		for _, sub := range w.Subtasks {
			if !sub.Paid {
				unpaid++
			}
		}
		if unpaid-pending <= 1 {
			return ledger.FinalShare(b.Amount, bookedSoFar), true, nil
		}
		return ledger.WeightedShare(b.Amount, w.Subtasks[*c.Slot].Percent), false, nil
	default:
		return 0, false, fmt.Errorf("unknown allocation mode %q", st.Kind)
	}
}

// decideRejectTx declines completed work. With an arbitration service
// configured the claim moves to rejected and a dispute window opens;
// otherwise the decline is final and the capacity frees up immediately.
func (e *Engine) decideRejectTx(ctx context.Context, tx *sql.Tx, b *domain.Bounty, st *mode.State, strat mode.Strategy, c *domain.Claim, actor string) error {
	if domain.TerminalClaimStatus(c.Status) {
		return conflictf("claim is %s and admits no further decision", c.Status)
	}
	if c.Status != domain.ClaimCompleted {
		return conflictf("claim is %s, only completed work can be declined", c.Status)
	}
	if c.PayoutActionID != nil {
		return conflictf("claim already has a settlement in flight")
	}
	if e.Settle.Ports.Disputes != nil {
		now := e.nowStr()
		c.Status = domain.ClaimRejected
		c.RejectedAt = &now
		return e.Repo.UpdateClaim(ctx, tx, *c)
	}
	return e.settleRejectedTx(ctx, tx, b, st, strat, c, true)
}

// settleRejectedTx finishes a declined claim for good: not_completed, slot
// released, subtask completion undone, bond returned or forfeited.
func (e *Engine) settleRejectedTx(ctx context.Context, tx *sql.Tx, b *domain.Bounty, st *mode.State, strat mode.Strategy, c *domain.Claim, refundBond bool) error {
	c.Status = domain.ClaimNotCompleted
	strat.Release(c.Slot)
	if refundBond {
		if _, err := e.queueBondRefundTx(ctx, tx, *b, c); err != nil {
			return err
		}
	} else if c.Bond != nil && *c.Bond > 0 && b.Token != nil {
		if err := e.Ledger.AddForfeit(ctx, tx, *b.Token, *c.Bond); err != nil {
			return err
		}
		c.Bond = nil
	}
	if err := e.Repo.UpdateClaim(ctx, tx, *c); err != nil {
		return err
	}
	return e.recomputeTx(ctx, tx, b, strat)
}

// OpenDispute escalates a rejected claim to the arbitration service while
// the dispute window is still open.
func (e *Engine) OpenDispute(ctx context.Context, claimID int64, description, actor string) (domain.Claim, error) {
	if e.Settle.Ports.Disputes == nil {
		return domain.Claim{}, fmt.Errorf("no arbitration service configured")
	}
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
		return domain.Claim{}, forbiddenf("only the claimant can open a dispute")
	}
	if c.Status != domain.ClaimRejected {
		return domain.Claim{}, conflictf("claim is %s, only rejected claims can be disputed", c.Status)
	}
	if c.RejectedAt != nil && e.Config.Disputes.OpenWindowSeconds > 0 {
		rejected, perr := time.Parse(time.RFC3339, *c.RejectedAt)
		if perr == nil && now.After(rejected.Add(time.Duration(e.Config.Disputes.OpenWindowSeconds)*time.Second)) {
			return domain.Claim{}, conflictf("the dispute window has closed")
		}
	}
	b, err := e.Repo.GetBountyTx(ctx, tx, c.BountyID)
	if err != nil {
		return domain.Claim{}, err
	}
	id, err := e.Settle.Queue(ctx, tx, domain.Action{
		Kind:      domain.ActionDispute,
		BountyID:  b.ID,
		ClaimID:   &c.ID,
		Recipient: c.Account,
		Memo:      description,
	})
	if err != nil {
		return domain.Claim{}, err
	}
	c.Status = domain.ClaimDisputed
	if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
		return domain.Claim{}, err
	}
	err = e.Events.Append(ctx, tx, "dispute_opened", b.ID, "claim", fmt.Sprint(c.ID), actor, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	e.Settle.Dispatch(ctx, id)
	return e.Repo.GetClaim(ctx, claimID)
}

// ResolveAction is the entry point for external settlement callbacks. After
// the outcome is applied, follow-up actions staged by the bookkeeping (bond
// returns, payouts after an approved vote) are issued.
func (e *Engine) ResolveAction(ctx context.Context, actionID int64, ok bool, externalID *int64) error {
	if err := e.Settle.Resolve(ctx, actionID, ok, externalID); err != nil {
		return err
	}
	a, err := e.Repo.GetAction(ctx, actionID)
	if err != nil {
		return err
	}
	e.DispatchPending(ctx, a.BountyID)
	return nil
}

// DispatchPending issues every staged action of a bounty that has not been
// sent out yet.
func (e *Engine) DispatchPending(ctx context.Context, bountyID int64) {
	actions, err := e.Repo.ListActionsByBounty(ctx, bountyID)
	if err != nil {
		e.Logger.Printf("engine: list actions for bounty %d: %v", bountyID, err)
		return
	}
	for _, a := range actions {
		if a.Status == domain.ActionPending {
			e.Settle.Dispatch(ctx, a.ID)
		}
	}
}

var _ settle.Applier = (*Engine)(nil)

package engine

import (
	"context"
	"database/sql"
	"fmt"

	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/mode"
	"bountyline/internal/settle"
)

// ApplyActionResult does the bookkeeping for a resolved settlement action
// inside the coordinator's transaction. Amounts come from the action row,
// never from a recomputation.
func (e *Engine) ApplyActionResult(ctx context.Context, tx *sql.Tx, a domain.Action, ok bool) error {
	switch a.Kind {
	case domain.ActionPayout:
		return e.applyPayout(ctx, tx, a, ok)
	case domain.ActionRefund:
		return e.applyRefund(ctx, tx, a, ok)
	case domain.ActionBondRefund:
		return e.applyBondRefund(ctx, tx, a, ok)
	case domain.ActionWithdraw:
		return e.applyWithdraw(ctx, tx, a, ok)
	case domain.ActionProposal:
		return e.applyProposal(ctx, tx, a, ok)
	case domain.ActionDispute:
		return e.applyDispute(ctx, tx, a, ok)
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// applyPayout settles an accepted claim: the claim becomes approved, the
// mode counters record the paid slot, the fee shares unlock, and the bond
// return is staged. A failed transfer just clears the pending marker so the
// decision can be retried.
func (e *Engine) applyPayout(ctx context.Context, tx *sql.Tx, a domain.Action, ok bool) error {
	if a.ClaimID == nil {
		return fmt.Errorf("payout action %d has no claim", a.ID)
	}
	c, err := e.Repo.GetClaimTx(ctx, tx, *a.ClaimID)
	if err != nil {
		return err
	}
	c.PayoutActionID = nil
	if !ok {
		if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
			return err
		}
		// A reverted contest payout gives the prize place back so the
		// decision can be staged again.
		b, st, _, lerr := e.loadBountyModeTx(ctx, tx, a.BountyID)
		if lerr != nil {
			return lerr
		}
		if st.Kind == mode.KindContest && st.Contest != nil {
			kept := st.Contest.Winners[:0]
			for _, w := range st.Contest.Winners {
				if w.ClaimID == c.ID {
					continue
				}
				w.Place = len(kept) + 1
				kept = append(kept, w)
			}
			st.Contest.Winners = kept
			if err := e.saveMode(&b, st); err != nil {
				return err
			}
			b.UpdatedAt = e.nowStr()
			if err := e.Repo.UpdateBounty(ctx, tx, b); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx, "payout_reverted", a.BountyID, "claim", fmt.Sprint(c.ID), "", events.EventPayload{
			"action_id": a.ID,
		})
	}

	b, st, strat, err := e.loadBountyModeTx(ctx, tx, a.BountyID)
	if err != nil {
		return err
	}
	now := e.nowStr()
	c.Status = domain.ClaimApproved
	c.PaidAt = &now
	if err := strat.MarkPaid(c.Slot); err != nil {
		return err
	}
	if a.FeeUnlock > 0 {
		if err := e.Ledger.Unlock(ctx, tx, a.Token, "", a.FeeUnlock); err != nil {
			return err
		}
	}
	if a.AuthUnlock > 0 && b.Authority != nil {
		if err := e.Ledger.Unlock(ctx, tx, a.Token, *b.Authority, a.AuthUnlock); err != nil {
			return err
		}
	}
	if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
		return err
	}
	if _, err := e.queueBondRefundTx(ctx, tx, b, &c); err != nil {
		return err
	}
	// Once the last payout settles, whoever is still competing lost.
	// Entries that never started work are turned away; the rest did work
	// and were not chosen.
	if strat.Complete() {
		leftovers, lerr := e.Repo.ListClaimsByStatusTx(ctx, tx, b.ID, activeClaimStatuses...)
		if lerr != nil {
			return lerr
		}
		for _, lc := range leftovers {
			if lc.ID == c.ID {
				continue
			}
			if lc.Status == domain.ClaimNew || lc.Status == domain.ClaimReadyToStart {
				lc.Status = domain.ClaimNotHired
			} else {
				lc.Status = domain.ClaimNotCompleted
			}
			strat.Release(lc.Slot)
			if _, berr := e.queueBondRefundTx(ctx, tx, b, &lc); berr != nil {
				return berr
			}
			if err := e.Repo.UpdateClaim(ctx, tx, lc); err != nil {
				return err
			}
		}
	}
	if err := e.recomputeTx(ctx, tx, &b, strat); err != nil {
		return err
	}
	if err := e.saveMode(&b, st); err != nil {
		return err
	}
	b.UpdatedAt = now
	if err := e.Repo.UpdateBounty(ctx, tx, b); err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, "payout_applied", b.ID, "claim", fmt.Sprint(c.ID), "", events.EventPayload{
		"action_id": a.ID, "amount": a.Amount, "recipient": a.Recipient,
	})
	if err != nil {
		return err
	}
	e.Settle.Emit(ctx, settle.StatEvent{Kind: "bounty_paid", Claimant: c.Account, Owner: b.Owner, BountyID: b.ID})
	return nil
}

// applyRefund closes out a cancellation refund: the remaining locked fees
// leave the ledger, minus the cancellation penalty the platform keeps.
func (e *Engine) applyRefund(ctx context.Context, tx *sql.Tx, a domain.Action, ok bool) error {
	if !ok {
		return e.Events.Append(ctx, tx, "refund_failed", a.BountyID, "bounty", fmt.Sprint(a.BountyID), "", events.EventPayload{
			"action_id": a.ID,
		})
	}
	b, err := e.Repo.GetBountyTx(ctx, tx, a.BountyID)
	if err != nil {
		return err
	}
	if a.FeeUnlock > 0 {
		if err := e.Ledger.Refund(ctx, tx, a.Token, "", a.FeeUnlock, e.Ledger.Penalty(a.FeeUnlock)); err != nil {
			return err
		}
	}
	if a.AuthUnlock > 0 && b.Authority != nil {
		if err := e.Ledger.Refund(ctx, tx, a.Token, *b.Authority, a.AuthUnlock, e.Ledger.Penalty(a.AuthUnlock)); err != nil {
			return err
		}
	}
	return e.Events.Append(ctx, tx, "refund_applied", b.ID, "bounty", fmt.Sprint(b.ID), "", events.EventPayload{
		"action_id": a.ID, "amount": a.Amount,
	})
}

// applyBondRefund clears the bond from the claim on success; a failed
// return moves the bond into the forfeit pool so it is never lost.
func (e *Engine) applyBondRefund(ctx context.Context, tx *sql.Tx, a domain.Action, ok bool) error {
	if a.ClaimID == nil {
		return fmt.Errorf("bond refund action %d has no claim", a.ID)
	}
	c, err := e.Repo.GetClaimTx(ctx, tx, *a.ClaimID)
	if err != nil {
		return err
	}
	c.Bond = nil
	if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
		return err
	}
	if ok {
		return e.Events.Append(ctx, tx, "bond_refunded", a.BountyID, "claim", fmt.Sprint(c.ID), "", events.EventPayload{
			"action_id": a.ID, "amount": a.Amount,
		})
	}
	if err := e.Ledger.AddForfeit(ctx, tx, a.Token, a.Amount); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "bond_forfeited", a.BountyID, "claim", fmt.Sprint(c.ID), "", events.EventPayload{
		"action_id": a.ID, "amount": a.Amount,
	})
}

// applyWithdraw finishes a commission withdrawal. The ledger was debited
// when the withdrawal was staged, so a failed transfer restores the balance.
// The action memo carries the authority id; empty means the platform row.
func (e *Engine) applyWithdraw(ctx context.Context, tx *sql.Tx, a domain.Action, ok bool) error {
	if ok {
		return e.Events.Append(ctx, tx, "commission_withdrawn", a.BountyID, "ledger", a.Token, "", events.EventPayload{
			"action_id": a.ID, "amount": a.Amount, "authority": a.Memo,
		})
	}
	if err := e.Ledger.Lock(ctx, tx, a.Token, a.Memo, a.Amount); err != nil {
		return err
	}
	if err := e.Ledger.Unlock(ctx, tx, a.Token, a.Memo, a.Amount); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "withdrawal_reverted", a.BountyID, "ledger", a.Token, "", events.EventPayload{
		"action_id": a.ID, "amount": a.Amount, "authority": a.Memo,
	})
}

// applyProposal records the governance proposal id on the claim. The claim
// stays completed; the finalize sweep polls the vote and initiates the
// payout once it passes.
func (e *Engine) applyProposal(ctx context.Context, tx *sql.Tx, a domain.Action, ok bool) error {
	if a.ClaimID == nil {
		return fmt.Errorf("proposal action %d has no claim", a.ID)
	}
	c, err := e.Repo.GetClaimTx(ctx, tx, *a.ClaimID)
	if err != nil {
		return err
	}
	c.PayoutActionID = nil
	if ok {
		c.PayoutProposalID = a.ExternalID
	}
	if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
		return err
	}
	evt := "proposal_submitted"
	if !ok {
		evt = "proposal_failed"
	}
	return e.Events.Append(ctx, tx, evt, a.BountyID, "claim", fmt.Sprint(c.ID), "", events.EventPayload{
		"action_id": a.ID,
	})
}

// applyDispute records the arbitration case id; a failed creation drops the
// claim back to rejected so the claimant can escalate again.
func (e *Engine) applyDispute(ctx context.Context, tx *sql.Tx, a domain.Action, ok bool) error {
	if a.ClaimID == nil {
		return fmt.Errorf("dispute action %d has no claim", a.ID)
	}
	c, err := e.Repo.GetClaimTx(ctx, tx, *a.ClaimID)
	if err != nil {
		return err
	}
	if ok {
		c.DisputeID = a.ExternalID
	} else {
		c.Status = domain.ClaimRejected
	}
	if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
		return err
	}
	evt := "dispute_registered"
	if !ok {
		evt = "dispute_creation_failed"
	}
	return e.Events.Append(ctx, tx, evt, a.BountyID, "claim", fmt.Sprint(c.ID), "", events.EventPayload{
		"action_id": a.ID,
	})
}

package engine

import (
	"context"
	"fmt"
	"time"

	"bountyline/internal/domain"
	"bountyline/internal/events"
)

// Finalize sweeps a bounty's claims and settles everything that became
// decidable by the passage of time or by an external verdict: expired
// deadlines, settled governance votes, closed dispute windows and arbitrated
// disputes. The sweep is idempotent; running it twice changes nothing the
// second time.
func (e *Engine) Finalize(ctx context.Context, bountyID int64, actor string) error {
	now := e.now()

	// Poll the external collaborators before opening the transaction so no
	// network wait happens with the database locked.
	claims, err := e.Repo.ListClaimsByBounty(ctx, bountyID)
	if err != nil {
		return err
	}
	proposals := map[int64]domain.Proposal{}
	disputes := map[int64]domain.Dispute{}
	for _, c := range claims {
		if c.Status == domain.ClaimCompleted && c.PayoutProposalID != nil && e.Settle.Ports.Governance != nil {
			p, perr := e.Settle.Ports.Governance.GetProposal(ctx, *c.PayoutProposalID)
			if perr != nil {
				e.Logger.Printf("engine: poll proposal %d: %v", *c.PayoutProposalID, perr)
				continue
			}
			proposals[*c.PayoutProposalID] = p
		}
		if c.Status == domain.ClaimDisputed && c.DisputeID != nil && e.Settle.Ports.Disputes != nil {
			d, derr := e.Settle.Ports.Disputes.GetDispute(ctx, *c.DisputeID)
			if derr != nil {
				e.Logger.Printf("engine: poll dispute %d: %v", *c.DisputeID, derr)
				continue
			}
			disputes[*c.DisputeID] = d
		}
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
	fresh, err := e.Repo.ListClaimsByBountyTx(ctx, tx, bountyID)
	if err != nil {
		return err
	}

	changed := false
	var actionIDs []int64
	for i := range fresh {
		c := fresh[i]
		switch c.Status {
		case domain.ClaimInProgress, domain.ClaimCompetes:
			if c.DeadlineAt == nil {
				continue
			}
			deadline, perr := time.Parse(time.RFC3339, *c.DeadlineAt)
			if perr != nil || !now.After(deadline) {
				continue
			}
			c.Status = domain.ClaimExpired
			if c.Bond != nil && *c.Bond > 0 && b.Token != nil {
				if err := e.Ledger.AddForfeit(ctx, tx, *b.Token, *c.Bond); err != nil {
					return err
				}
				c.Bond = nil
			}
			strat.Release(c.Slot)
			if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
				return err
			}
			changed = true

		case domain.ClaimCompleted:
			if c.PayoutProposalID == nil || c.PayoutActionID != nil {
				continue
			}
			p, polled := proposals[*c.PayoutProposalID]
			if !polled {
				continue
			}
			switch p.Status {
			case domain.ProposalApproved:
				id, qerr := e.queuePayoutTx(ctx, tx, &b, st, &c)
				if qerr != nil {
					return qerr
				}
				actionIDs = append(actionIDs, id)
				changed = true
			case domain.ProposalRejected:
				if err := e.settleRejectedTx(ctx, tx, &b, st, strat, &c, true); err != nil {
					return err
				}
				changed = true
			}

		case domain.ClaimRejected:
			if c.RejectedAt == nil || c.DisputeID != nil {
				continue
			}
			rejected, perr := time.Parse(time.RFC3339, *c.RejectedAt)
			window := time.Duration(e.Config.Disputes.OpenWindowSeconds) * time.Second
			if perr != nil || !now.After(rejected.Add(window)) {
				continue
			}
			if err := e.settleRejectedTx(ctx, tx, &b, st, strat, &c, true); err != nil {
				return err
			}
			changed = true

		case domain.ClaimDisputed:
			if c.DisputeID == nil || c.PayoutActionID != nil {
				continue
			}
			d, polled := disputes[*c.DisputeID]
			if !polled {
				continue
			}
			switch d.Status {
			case domain.DisputeForClaimant, domain.DisputeCanceledByOwner:
				// The verdict restores the claim to completed standing;
				// the payout still goes through an explicit decision.
				c.Status = domain.ClaimCompletedWithDispute
				if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
					return err
				}
				changed = true
			case domain.DisputeForOwner, domain.DisputeCanceledByClaimer:
				if err := e.settleRejectedTx(ctx, tx, &b, st, strat, &c, false); err != nil {
					return err
				}
				changed = true
			}
		}
	}

	if !changed {
		return nil
	}
	if err := e.recomputeTx(ctx, tx, &b, strat); err != nil {
		return err
	}
	if err := e.saveMode(&b, st); err != nil {
		return err
	}
	b.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateBounty(ctx, tx, b); err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, "bounty_finalized", b.ID, "bounty", fmt.Sprint(b.ID), actor, events.EventPayload{
		"payouts_staged": len(actionIDs),
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
	e.DispatchPending(ctx, bountyID)
	return nil
}

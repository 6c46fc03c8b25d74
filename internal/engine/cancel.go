package engine

import (
	"context"
	"fmt"

	"bountyline/internal/domain"
	"bountyline/internal/events"
)

// CancelBounty withdraws a bounty that has no live claims. Whatever the
// escrow still holds goes back to the owner; the remaining locked fees are
// refunded minus the cancellation penalty. A bounty that already paid some
// claimants ends as partially completed instead of canceled.
func (e *Engine) CancelBounty(ctx context.Context, bountyID int64, actor string) (domain.Bounty, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bounty{}, err
	}
	defer tx.Rollback()

	b, _, _, err := e.loadBountyModeTx(ctx, tx, bountyID)
	if err != nil {
		return domain.Bounty{}, err
	}
	if actor != b.Owner {
		return domain.Bounty{}, forbiddenf("only the bounty owner may cancel it")
	}
	switch b.Status {
	case domain.BountyCompleted, domain.BountyCanceled, domain.BountyPartiallyCompleted:
		return domain.Bounty{}, conflictf("bounty is already %s", b.Status)
	}
	active, err := e.Repo.CountClaimsTx(ctx, tx, b.ID, activeClaimStatuses...)
	if err != nil {
		return domain.Bounty{}, err
	}
	if active > 0 {
		return domain.Bounty{}, conflictf("bounty has %d live claims", active)
	}

	paidAmount, paidFee, paidAuth, err := e.Repo.SumAppliedTx(ctx, tx, b.ID, domain.ActionPayout)
	if err != nil {
		return domain.Bounty{}, err
	}
	if paidAmount > 0 {
		b.Status = domain.BountyPartiallyCompleted
	} else {
		b.Status = domain.BountyCanceled
	}

	var refundAction int64
	if b.Token != nil {
		remainder := b.Amount - paidAmount
		feeRemain := b.PlatformFee - paidFee
		authRemain := b.AuthorityFee - paidAuth
		if remainder > 0 || feeRemain > 0 || authRemain > 0 {
			refundAction, err = e.Settle.Queue(ctx, tx, domain.Action{
				Kind:       domain.ActionRefund,
				BountyID:   b.ID,
				Token:      *b.Token,
				Amount:     remainder,
				FeeUnlock:  feeRemain,
				AuthUnlock: authRemain,
				Recipient:  b.Owner,
				Memo:       fmt.Sprintf("refund for bounty %d", b.ID),
			})
			if err != nil {
				return domain.Bounty{}, err
			}
		}
	}

	b.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateBounty(ctx, tx, b); err != nil {
		return domain.Bounty{}, err
	}
	err = e.Events.Append(ctx, tx, "bounty_canceled", b.ID, "bounty", fmt.Sprint(b.ID), actor, events.EventPayload{
		"status": b.Status, "paid_out": paidAmount,
	})
	if err != nil {
		return domain.Bounty{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bounty{}, err
	}
	if refundAction > 0 {
		e.Settle.Dispatch(ctx, refundAction)
	}
	return e.Repo.GetBounty(ctx, bountyID)
}

// MarkBountyPaid records that the owner of a postpaid bounty has paid the
// approved claimants outside the system.
func (e *Engine) MarkBountyPaid(ctx context.Context, bountyID int64, actor string) (domain.Bounty, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bounty{}, err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBountyTx(ctx, tx, bountyID)
	if err != nil {
		return domain.Bounty{}, err
	}
	if actor != b.Owner {
		return domain.Bounty{}, forbiddenf("only the bounty owner may mark it paid")
	}
	if !b.Postpaid {
		return domain.Bounty{}, conflictf("bounty is prepaid; payouts settle automatically")
	}
	if b.PaidAt != nil {
		return domain.Bounty{}, conflictf("bounty is already marked paid")
	}
	now := e.nowStr()
	b.PaidAt = &now
	approved, err := e.Repo.ListClaimsByStatusTx(ctx, tx, b.ID, domain.ClaimApproved)
	if err != nil {
		return domain.Bounty{}, err
	}
	if len(approved) == 0 {
		return domain.Bounty{}, conflictf("no approved claims to pay")
	}
	for _, c := range approved {
		if c.PaidAt == nil {
			c.PaidAt = &now
			if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
				return domain.Bounty{}, err
			}
		}
	}
	b.UpdatedAt = now
	if err := e.Repo.UpdateBounty(ctx, tx, b); err != nil {
		return domain.Bounty{}, err
	}
	err = e.Events.Append(ctx, tx, "bounty_marked_paid", b.ID, "bounty", fmt.Sprint(b.ID), actor, nil)
	if err != nil {
		return domain.Bounty{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bounty{}, err
	}
	return b, nil
}

// ConfirmPayment lets a claimant of a postpaid bounty acknowledge that the
// owner's payment arrived. The bounty records full confirmation once every
// approved claimant has confirmed.
func (e *Engine) ConfirmPayment(ctx context.Context, claimID int64, actor string) (domain.Claim, error) {
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
		return domain.Claim{}, forbiddenf("only the claimant can confirm their payment")
	}
	b, err := e.Repo.GetBountyTx(ctx, tx, c.BountyID)
	if err != nil {
		return domain.Claim{}, err
	}
	if !b.Postpaid {
		return domain.Claim{}, conflictf("bounty is prepaid; payouts settle automatically")
	}
	if c.Status != domain.ClaimApproved || c.PaidAt == nil {
		return domain.Claim{}, conflictf("claim has no payment to confirm")
	}
	if c.PaymentConfirmedAt != nil {
		return domain.Claim{}, conflictf("payment is already confirmed")
	}
	now := e.nowStr()
	c.PaymentConfirmedAt = &now
	if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
		return domain.Claim{}, err
	}
	approved, err := e.Repo.ListClaimsByStatusTx(ctx, tx, b.ID, domain.ClaimApproved)
	if err != nil {
		return domain.Claim{}, err
	}
	allConfirmed := true
	for _, other := range approved {
		if other.PaymentConfirmedAt == nil {
			allConfirmed = false
			break
		}
	}
	if allConfirmed && b.PaymentConfirmedAt == nil {
		b.PaymentConfirmedAt = &now
		b.UpdatedAt = now
		if err := e.Repo.UpdateBounty(ctx, tx, b); err != nil {
			return domain.Claim{}, err
		}
	}
	err = e.Events.Append(ctx, tx, "payment_confirmed", b.ID, "claim", fmt.Sprint(c.ID), actor, nil)
	if err != nil {
		return domain.Claim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Claim{}, err
	}
	return c, nil
}

// WithdrawCommission debits settled commission and stages the transfer to
// the recipient. The platform row (empty authority) belongs to the
// governance account; authority rows belong to their authority.
func (e *Engine) WithdrawCommission(ctx context.Context, token, authority string, amount int64, recipient, actor string) error {
	if authority == "" {
		if actor != e.Config.Platform.GovernanceAccount {
			return forbiddenf("only the governance account may withdraw platform commission")
		}
	} else if actor != authority {
		return forbiddenf("only the authority may withdraw its commission")
	}
	if recipient == "" {
		recipient = actor
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Ledger.Withdraw(ctx, tx, token, authority, amount); err != nil {
		return err
	}
	id, err := e.Settle.Queue(ctx, tx, domain.Action{
		Kind:      domain.ActionWithdraw,
		Token:     token,
		Amount:    amount,
		Recipient: recipient,
		Memo:      authority,
	})
	if err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, "withdrawal_staged", 0, "ledger", token, actor, events.EventPayload{
		"amount": amount, "authority": authority,
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Settle.Dispatch(ctx, id)
	return nil
}

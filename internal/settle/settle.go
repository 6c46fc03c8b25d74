package settle

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

// PayoutRef identifies the payout a governance proposal is voting on; the
// voting body passes it back verbatim through the payout callback.
type PayoutRef struct {
	BountyID int64  `json:"bounty_id"`
	Account  string `json:"account"`
	Seq      *int64 `json:"seq,omitempty"`
}

type DisputeRequest struct {
	BountyID    int64  `json:"bounty_id"`
	Description string `json:"description"`
	Claimant    string `json:"claimant"`
	Delegate    string `json:"delegate"`
	ClaimNumber *int64 `json:"claim_number,omitempty"`
}

type StatEvent struct {
	Kind     string `json:"kind"`
	Claimant string `json:"claimant,omitempty"`
	Owner    string `json:"owner,omitempty"`
	BountyID int64  `json:"bounty_id"`
}

// TokenTransfer moves fungible tokens. The call is asynchronous: the
// implementation reports success or failure later through
// Coordinator.Resolve with the given action id. The action id doubles as an
// idempotency key, so re-issuing a still-pending action is safe.
type TokenTransfer interface {
	Transfer(ctx context.Context, actionID int64, token, recipient string, amount int64, memo string) error
}

// Governance is the external voting body.
type Governance interface {
	SubmitProposal(ctx context.Context, actionID int64, description string, payout PayoutRef, bond int64) error
	GetProposal(ctx context.Context, id int64) (domain.Proposal, error)
}

// DisputeService is the external arbitration workflow. The dispute id is
// reported back through Resolve's external id when creation settles.
type DisputeService interface {
	CreateDispute(ctx context.Context, actionID int64, req DisputeRequest) error
	GetDispute(ctx context.Context, id int64) (domain.Dispute, error)
}

// StatsSink receives best-effort reputation statistics. A nil sink is a
// legal no-op.
type StatsSink interface {
	Emit(ctx context.Context, ev StatEvent)
}

// KYCOracle answers whitelist queries.
type KYCOracle interface {
	IsWhitelisted(ctx context.Context, account string) (bool, error)
}

// Ports bundles the external collaborators.
type Ports struct {
	Transfer   TokenTransfer
	Governance Governance
	Disputes   DisputeService
	Stats      StatsSink
	KYC        KYCOracle
}

// Applier consumes resolved actions inside the coordinator's transaction.
// The lifecycle engine implements it.
type Applier interface {
	ApplyActionResult(ctx context.Context, tx *sql.Tx, action domain.Action, ok bool) error
}

// Coordinator owns the two-phase protocol: Queue commits the pending action
// with its pre-computed amounts inside the initiating transaction, Dispatch
// issues the external call after commit, and Resolve applies the reported
// outcome exactly once.
type Coordinator struct {
	DB      *sql.DB
	Repo    repo.Repo
	Ports   Ports
	Applier Applier
	Logger  *log.Logger
	Now     func() time.Time
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// Queue records a pending action inside the caller's transaction and returns
// its id. The amounts on the action are final; Resolve never recomputes them.
func (c *Coordinator) Queue(ctx context.Context, tx *sql.Tx, a domain.Action) (int64, error) {
	now := c.now().UTC().Format(time.RFC3339)
	a.Status = domain.ActionPending
	a.CreatedAt = now
	a.UpdatedAt = now
	return c.Repo.InsertAction(ctx, tx, a)
}

// Dispatch issues the external call for a committed pending action. An
// immediate issuance failure resolves the action as reverted so the claim's
// pending marker clears.
func (c *Coordinator) Dispatch(ctx context.Context, actionID int64) {
	a, err := c.Repo.GetAction(ctx, actionID)
	if err != nil {
		c.logger().Printf("settle: dispatch action %d: %v", actionID, err)
		return
	}
	if a.Status != domain.ActionPending {
		return
	}
	switch a.Kind {
	case domain.ActionPayout, domain.ActionRefund, domain.ActionBondRefund, domain.ActionWithdraw:
		if c.Ports.Transfer == nil {
			c.logger().Printf("settle: no transfer port for action %d", a.ID)
			return
		}
		err = c.Ports.Transfer.Transfer(ctx, a.ID, a.Token, a.Recipient, a.Amount, a.Memo)
	case domain.ActionProposal:
		if c.Ports.Governance == nil {
			c.logger().Printf("settle: no governance port for action %d", a.ID)
			return
		}
		ref := PayoutRef{BountyID: a.BountyID, Account: a.Recipient}
		if a.ClaimID != nil {
			if cl, cerr := c.Repo.GetClaim(ctx, *a.ClaimID); cerr == nil {
				ref.Seq = cl.Seq
			}
		}
		err = c.Ports.Governance.SubmitProposal(ctx, a.ID, a.Memo, ref, 0)
	case domain.ActionDispute:
		if c.Ports.Disputes == nil {
			c.logger().Printf("settle: no dispute port for action %d", a.ID)
			return
		}
		err = c.Ports.Disputes.CreateDispute(ctx, a.ID, DisputeRequest{
			BountyID:    a.BountyID,
			Description: a.Memo,
			Claimant:    a.Recipient,
		})
	default:
		c.logger().Printf("settle: unknown action kind %q for action %d", a.Kind, a.ID)
		return
	}
	if err != nil {
		c.logger().Printf("settle: issue action %d: %v", a.ID, err)
		if rerr := c.Resolve(ctx, a.ID, false, nil); rerr != nil {
			c.logger().Printf("settle: revert action %d after issue failure: %v", a.ID, rerr)
		}
	}
}

// Resolve applies an external outcome to a pending action. The status flip
// and the applier's bookkeeping share one transaction; if bookkeeping fails
// after a successful transfer the action stays pending and Resolve can be
// re-driven, so funds are never lost or counted twice.
func (c *Coordinator) Resolve(ctx context.Context, actionID int64, ok bool, externalID *int64) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := c.now().UTC().Format(time.RFC3339)
	status := domain.ActionApplied
	if !ok {
		status = domain.ActionReverted
	}
	flipped, err := c.Repo.ResolveActionTx(ctx, tx, actionID, status, externalID, now)
	if err != nil {
		return err
	}
	if !flipped {
		return fmt.Errorf("action %d is not pending", actionID)
	}
	a, err := c.Repo.GetActionTx(ctx, tx, actionID)
	if err != nil {
		return err
	}
	if c.Applier != nil {
		if err := c.Applier.ApplyActionResult(ctx, tx, a, ok); err != nil {
			c.logger().Printf("settle: apply action %d (ok=%t): %v", actionID, ok, err)
			return fmt.Errorf("apply action %d: %w", actionID, err)
		}
	}
	return tx.Commit()
}

// Emit forwards a statistic to the sink when one is configured.
func (c *Coordinator) Emit(ctx context.Context, ev StatEvent) {
	if c.Ports.Stats == nil {
		return
	}
	c.Ports.Stats.Emit(ctx, ev)
}

// Whitelisted consults the KYC oracle. Absence of the oracle reports
// (false, false): not whitelisted, not checked.
func (c *Coordinator) Whitelisted(ctx context.Context, account string) (whitelisted, checked bool, err error) {
	if c.Ports.KYC == nil {
		return false, false, nil
	}
	ok, err := c.Ports.KYC.IsWhitelisted(ctx, account)
	if err != nil {
		return false, true, err
	}
	return ok, true, nil
}

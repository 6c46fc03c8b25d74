package repo

import (
	"context"
	"database/sql"
	"strings"

	"bountyline/internal/domain"
)

const claimColumns = `id,bounty_id,account_id,seq,description,status,slot,bond,approve_proposal_id,payout_proposal_id,dispute_id,kyc_deferred,payout_action_id,created_at,started_at,deadline_at,rejected_at,paid_at,payment_confirmed_at`

func scanClaim(row rowScanner) (domain.Claim, error) {
	var c domain.Claim
	var seq, bond, approveProp, payoutProp, disputeID, payoutAction sql.NullInt64
	var slot sql.NullInt64
	var description, startedAt, deadlineAt, rejectedAt, paidAt, confirmedAt sql.NullString
	var kycDeferred int
	err := row.Scan(&c.ID, &c.BountyID, &c.Account, &seq, &description, &c.Status, &slot, &bond,
		&approveProp, &payoutProp, &disputeID, &kycDeferred, &payoutAction,
		&c.CreatedAt, &startedAt, &deadlineAt, &rejectedAt, &paidAt, &confirmedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if seq.Valid {
		c.Seq = &seq.Int64
	}
	if description.Valid {
		c.Description = description.String
	}
	if slot.Valid {
		s := int(slot.Int64)
		c.Slot = &s
	}
	if bond.Valid {
		c.Bond = &bond.Int64
	}
	if approveProp.Valid {
		c.ApproveProposalID = &approveProp.Int64
	}
	if payoutProp.Valid {
		c.PayoutProposalID = &payoutProp.Int64
	}
	if disputeID.Valid {
		c.DisputeID = &disputeID.Int64
	}
	c.KYCDeferred = kycDeferred != 0
	if payoutAction.Valid {
		c.PayoutActionID = &payoutAction.Int64
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.String
	}
	if deadlineAt.Valid {
		c.DeadlineAt = &deadlineAt.String
	}
	if rejectedAt.Valid {
		c.RejectedAt = &rejectedAt.String
	}
	if paidAt.Valid {
		c.PaidAt = &paidAt.String
	}
	if confirmedAt.Valid {
		c.PaymentConfirmedAt = &confirmedAt.String
	}
	return c, nil
}

func (r Repo) InsertClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO claims(bounty_id,account_id,seq,description,status,slot,bond,approve_proposal_id,payout_proposal_id,dispute_id,kyc_deferred,payout_action_id,created_at,started_at,deadline_at,rejected_at,paid_at,payment_confirmed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.BountyID, c.Account, nullableInt64Ptr(c.Seq), nullable(c.Description), c.Status, nullableIntPtr(c.Slot),
		nullableInt64Ptr(c.Bond), nullableInt64Ptr(c.ApproveProposalID), nullableInt64Ptr(c.PayoutProposalID),
		nullableInt64Ptr(c.DisputeID), boolInt(c.KYCDeferred), nullableInt64Ptr(c.PayoutActionID),
		c.CreatedAt, nullableStringPtr(c.StartedAt), nullableStringPtr(c.DeadlineAt), nullableStringPtr(c.RejectedAt),
		nullableStringPtr(c.PaidAt), nullableStringPtr(c.PaymentConfirmedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateClaim(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	res, err := tx.ExecContext(ctx, `UPDATE claims SET status=?, slot=?, bond=?, approve_proposal_id=?, payout_proposal_id=?, dispute_id=?, kyc_deferred=?, payout_action_id=?, started_at=?, deadline_at=?, rejected_at=?, paid_at=?, payment_confirmed_at=?, description=? WHERE id=?`,
		c.Status, nullableIntPtr(c.Slot), nullableInt64Ptr(c.Bond), nullableInt64Ptr(c.ApproveProposalID),
		nullableInt64Ptr(c.PayoutProposalID), nullableInt64Ptr(c.DisputeID), boolInt(c.KYCDeferred),
		nullableInt64Ptr(c.PayoutActionID), nullableStringPtr(c.StartedAt), nullableStringPtr(c.DeadlineAt),
		nullableStringPtr(c.RejectedAt), nullableStringPtr(c.PaidAt), nullableStringPtr(c.PaymentConfirmedAt),
		nullable(c.Description), c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetClaim(ctx context.Context, id int64) (domain.Claim, error) {
	return scanClaim(r.DB.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id=?`, id))
}

func (r Repo) GetClaimTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Claim, error) {
	return scanClaim(tx.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id=?`, id))
}

// FindClaimTx locates a claim by (bounty, account) and optional sequence
// number, for bounties that allow several claims per account.
func (r Repo) FindClaimTx(ctx context.Context, tx *sql.Tx, bountyID int64, account string, seq *int64) (domain.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE bounty_id=? AND account_id=?`
	args := []any{bountyID, account}
	if seq != nil {
		query += ` AND seq=?`
		args = append(args, *seq)
	}
	query += ` ORDER BY id DESC LIMIT 1`
	return scanClaim(tx.QueryRowContext(ctx, query, args...))
}

func (r Repo) ListClaimsByBounty(ctx context.Context, bountyID int64) ([]domain.Claim, error) {
	return r.listClaims(ctx, r.DB.QueryContext, "bounty_id=?", bountyID)
}

func (r Repo) ListClaimsByAccount(ctx context.Context, account string) ([]domain.Claim, error) {
	return r.listClaims(ctx, r.DB.QueryContext, "account_id=?", account)
}

func (r Repo) ListClaimsByBountyTx(ctx context.Context, tx *sql.Tx, bountyID int64) ([]domain.Claim, error) {
	return r.listClaims(ctx, tx.QueryContext, "bounty_id=?", bountyID)
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) listClaims(ctx context.Context, query queryFunc, clause string, arg any) ([]domain.Claim, error) {
	rows, err := query(ctx, `SELECT `+claimColumns+` FROM claims WHERE `+clause+` ORDER BY id ASC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountClaimsTx counts a bounty's claims currently in any of the given
// statuses.
func (r Repo) CountClaimsTx(ctx context.Context, tx *sql.Tx, bountyID int64, statuses ...string) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := []any{bountyID}
	for _, s := range statuses {
		args = append(args, s)
	}
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM claims WHERE bounty_id=? AND status IN (`+placeholders+`)`, args...).Scan(&n)
	return n, err
}

// ListClaimsByStatusTx returns a bounty's claims in one of the given statuses
// in submission order.
func (r Repo) ListClaimsByStatusTx(ctx context.Context, tx *sql.Tx, bountyID int64, statuses ...string) ([]domain.Claim, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := []any{bountyID}
	for _, s := range statuses {
		args = append(args, s)
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE bounty_id=? AND status IN (`+placeholders+`) ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// NextSeqTx allocates the next claim-sequence number for an account on a
// bounty that allows multiple concurrent claims per account.
func (r Repo) NextSeqTx(ctx context.Context, tx *sql.Tx, bountyID int64, account string) (int64, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM claims WHERE bounty_id=? AND account_id=?`, bountyID, account).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64 + 1, nil
}

package repo

import (
	"context"
	"database/sql"

	"bountyline/internal/domain"
)

const actionColumns = `id,kind,bounty_id,claim_id,token,amount,fee_unlock,authority_unlock,recipient,memo,status,external_id,created_at,updated_at`

func scanAction(row rowScanner) (domain.Action, error) {
	var a domain.Action
	var claimID, externalID sql.NullInt64
	var token, recipient, memo sql.NullString
	err := row.Scan(&a.ID, &a.Kind, &a.BountyID, &claimID, &token, &a.Amount, &a.FeeUnlock, &a.AuthUnlock,
		&recipient, &memo, &a.Status, &externalID, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if claimID.Valid {
		a.ClaimID = &claimID.Int64
	}
	if token.Valid {
		a.Token = token.String
	}
	if recipient.Valid {
		a.Recipient = recipient.String
	}
	if memo.Valid {
		a.Memo = memo.String
	}
	if externalID.Valid {
		a.ExternalID = &externalID.Int64
	}
	return a, nil
}

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO actions(kind,bounty_id,claim_id,token,amount,fee_unlock,authority_unlock,recipient,memo,status,external_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.Kind, a.BountyID, nullableInt64Ptr(a.ClaimID), nullable(a.Token), a.Amount, a.FeeUnlock, a.AuthUnlock,
		nullable(a.Recipient), nullable(a.Memo), a.Status, nullableInt64Ptr(a.ExternalID), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetAction(ctx context.Context, id int64) (domain.Action, error) {
	return scanAction(r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id))
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Action, error) {
	return scanAction(tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id))
}

// ResolveActionTx moves a pending action to applied/reverted, recording the
// collaborator-reported external id when present. Resolving a non-pending
// action affects no rows.
func (r Repo) ResolveActionTx(ctx context.Context, tx *sql.Tx, id int64, status string, externalID *int64, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE actions SET status=?, external_id=COALESCE(?,external_id), updated_at=? WHERE id=? AND status=?`,
		status, nullableInt64Ptr(externalID), now, id, domain.ActionPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SumAppliedTx totals the applied actions of one kind for a bounty:
// principal amount, platform-fee unlock and authority-fee unlock. Used to
// hand the final payer exactly the remainder.
func (r Repo) SumAppliedTx(ctx context.Context, tx *sql.Tx, bountyID int64, kind string) (amount, feeUnlock, authUnlock int64, err error) {
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0), COALESCE(SUM(fee_unlock),0), COALESCE(SUM(authority_unlock),0) FROM actions WHERE bounty_id=? AND kind=? AND status=?`,
		bountyID, kind, domain.ActionApplied).Scan(&amount, &feeUnlock, &authUnlock)
	return
}

// SumPayoutsTx totals the payout actions of a bounty that settled or are
// still in flight: principal, fee unlocks and the count of pending payouts.
// Reverted payouts do not count, so a failed transfer can be staged again.
func (r Repo) SumPayoutsTx(ctx context.Context, tx *sql.Tx, bountyID int64) (amount, feeUnlock, authUnlock int64, pending int, err error) {
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0), COALESCE(SUM(fee_unlock),0), COALESCE(SUM(authority_unlock),0), COALESCE(SUM(status=?),0) FROM actions WHERE bounty_id=? AND kind=? AND status IN (?,?)`,
		domain.ActionPending, bountyID, domain.ActionPayout, domain.ActionPending, domain.ActionApplied).Scan(&amount, &feeUnlock, &authUnlock, &pending)
	return
}

// ListActionsByBounty returns a bounty's settlement actions oldest first.
func (r Repo) ListActionsByBounty(ctx context.Context, bountyID int64) ([]domain.Action, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE bounty_id=? ORDER BY id ASC`, bountyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

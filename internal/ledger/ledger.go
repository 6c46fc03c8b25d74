package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bountyline/internal/domain"
)

// PercentScale is the denominator of weighted-slot percentages
// (parts per 100,000).
const PercentScale = 100_000

var ErrNotFound = errors.New("not found")

// Ledger tracks per-(token, authority) commission balances. Platform rows use
// an empty authority id. All mutations run inside the caller's transaction so
// the read-mutate-write sequence is atomic with the rest of the invocation.
type Ledger struct {
	DB         *sql.DB
	PenaltyBPS int64
	NominalBPS int64
}

func (l Ledger) get(ctx context.Context, tx *sql.Tx, token, authority string) (domain.CommissionEntry, error) {
	e := domain.CommissionEntry{Token: token, Authority: authority}
	err := tx.QueryRowContext(ctx, `SELECT balance,locked_balance FROM commission_ledger WHERE token=? AND authority_id=?`, token, authority).
		Scan(&e.Balance, &e.Locked)
	if err == sql.ErrNoRows {
		return e, nil
	}
	return e, err
}

func (l Ledger) put(ctx context.Context, tx *sql.Tx, e domain.CommissionEntry) error {
	if e.Locked < 0 || e.Locked > e.Balance {
		return fmt.Errorf("ledger invariant violated for (%s,%s): locked=%d balance=%d", e.Token, e.Authority, e.Locked, e.Balance)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO commission_ledger(token,authority_id,balance,locked_balance) VALUES (?,?,?,?)
ON CONFLICT(token,authority_id) DO UPDATE SET balance=excluded.balance, locked_balance=excluded.locked_balance`,
		e.Token, e.Authority, e.Balance, e.Locked)
	return err
}

// Lock records a freshly collected fee as locked against an unsettled bounty.
func (l Ledger) Lock(ctx context.Context, tx *sql.Tx, token, authority string, fee int64) error {
	if fee < 0 {
		return fmt.Errorf("negative fee lock: %d", fee)
	}
	if fee == 0 {
		return nil
	}
	e, err := l.get(ctx, tx, token, authority)
	if err != nil {
		return err
	}
	e.Balance += fee
	e.Locked += fee
	return l.put(ctx, tx, e)
}

// Unlock releases fee backing an approved payout; the fee stays in the
// balance and becomes withdrawable.
func (l Ledger) Unlock(ctx context.Context, tx *sql.Tx, token, authority string, fee int64) error {
	if fee < 0 {
		return fmt.Errorf("negative fee unlock: %d", fee)
	}
	if fee == 0 {
		return nil
	}
	e, err := l.get(ctx, tx, token, authority)
	if err != nil {
		return err
	}
	if fee > e.Locked {
		return fmt.Errorf("unlock %d exceeds locked balance %d for (%s,%s)", fee, e.Locked, token, authority)
	}
	e.Locked -= fee
	return l.put(ctx, tx, e)
}

// Refund returns a fee to the bounty owner on cancellation or no-payout,
// keeping the penalty portion for the platform.
func (l Ledger) Refund(ctx context.Context, tx *sql.Tx, token, authority string, fee, penalty int64) error {
	if fee < 0 || penalty < 0 || penalty > fee {
		return fmt.Errorf("invalid refund fee=%d penalty=%d", fee, penalty)
	}
	if fee == 0 {
		return nil
	}
	e, err := l.get(ctx, tx, token, authority)
	if err != nil {
		return err
	}
	if fee > e.Locked {
		return fmt.Errorf("refund %d exceeds locked balance %d for (%s,%s)", fee, e.Locked, token, authority)
	}
	e.Balance -= fee - penalty
	e.Locked -= fee
	return l.put(ctx, tx, e)
}

// Withdraw removes settled commission from the ledger.
func (l Ledger) Withdraw(ctx context.Context, tx *sql.Tx, token, authority string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive")
	}
	e, err := l.get(ctx, tx, token, authority)
	if err != nil {
		return err
	}
	if amount > e.Balance-e.Locked {
		return fmt.Errorf("withdraw %d exceeds withdrawable %d for (%s,%s)", amount, e.Balance-e.Locked, token, authority)
	}
	e.Balance -= amount
	return l.put(ctx, tx, e)
}

// Penalty computes the fee portion kept by the platform when a bounty does
// not complete. A zero nominal percentage yields zero.
func (l Ledger) Penalty(fee int64) int64 {
	if l.NominalBPS <= 0 || l.PenaltyBPS <= 0 {
		return 0
	}
	p := fee * l.PenaltyBPS / l.NominalBPS
	if p > fee {
		return fee
	}
	return p
}

// Entry reads one ledger row.
func (l Ledger) Entry(ctx context.Context, token, authority string) (domain.CommissionEntry, error) {
	e := domain.CommissionEntry{Token: token, Authority: authority}
	err := l.DB.QueryRowContext(ctx, `SELECT balance,locked_balance FROM commission_ledger WHERE token=? AND authority_id=?`, token, authority).
		Scan(&e.Balance, &e.Locked)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// Entries lists all ledger rows.
func (l Ledger) Entries(ctx context.Context) ([]domain.CommissionEntry, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT token,authority_id,balance,locked_balance FROM commission_ledger ORDER BY token, authority_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CommissionEntry
	for rows.Next() {
		var e domain.CommissionEntry
		if err := rows.Scan(&e.Token, &e.Authority, &e.Balance, &e.Locked); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// AddForfeit moves a forfeited claim bond into the non-refunded pool.
func (l Ledger) AddForfeit(ctx context.Context, tx *sql.Tx, token string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO bond_pool(token,balance) VALUES (?,?)
ON CONFLICT(token) DO UPDATE SET balance=balance+excluded.balance`, token, amount)
	return err
}

// BondPool reads the non-refunded bond pool for a token.
func (l Ledger) BondPool(ctx context.Context, token string) (domain.BondPool, error) {
	p := domain.BondPool{Token: token}
	err := l.DB.QueryRowContext(ctx, `SELECT balance FROM bond_pool WHERE token=?`, token).Scan(&p.Balance)
	if err == sql.ErrNoRows {
		return p, nil
	}
	return p, err
}

// SplitEven divides a total across n slots by integer division, with the
// last slot absorbing the rounding remainder. The shares always sum to the
// total exactly.
func SplitEven(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	shares := make([]int64, n)
	each := total / int64(n)
	var sum int64
	for i := 0; i < n-1; i++ {
		shares[i] = each
		sum += each
	}
	shares[n-1] = total - sum
	return shares
}

// WeightedShare computes a subtask's cut of the total in parts per 100,000.
func WeightedShare(total, percent int64) int64 {
	return total * percent / PercentScale
}

// FinalShare is the payout for the last paying slot: everything the bounty
// still holds, including rounding residue and the shares of forfeited slots.
func FinalShare(total, paidSoFar int64) int64 {
	if paidSoFar > total {
		return 0
	}
	return total - paidSoFar
}

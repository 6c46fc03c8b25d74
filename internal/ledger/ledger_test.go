package ledger_test

import (
	"context"
	"testing"

	"bountyline/internal/db"
	"bountyline/internal/ledger"
	"bountyline/internal/migrate"
)

func newLedger(t *testing.T) (ledger.Ledger, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return ledger.Ledger{DB: conn, PenaltyBPS: 250, NominalBPS: 1000}, context.Background()
}

func TestLockUnlockRefundInvariant(t *testing.T) {
	l, ctx := newLedger(t)
	tx, _ := l.DB.Begin()
	defer tx.Rollback()

	if err := l.Lock(ctx, tx, "tok", "", 1000); err != nil {
		t.Fatalf("lock: %v", err)
	}
	// Unlocking more than is locked must fail.
	if err := l.Unlock(ctx, tx, "tok", "", 2000); err == nil {
		t.Fatalf("expected over-unlock rejected")
	}
	if err := l.Unlock(ctx, tx, "tok", "", 400); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	// Refund of the remaining 600 keeps the 150 penalty (250/1000 bps).
	if err := l.Refund(ctx, tx, "tok", "", 600, l.Penalty(600)); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	e, err := l.Entry(ctx, "tok", "")
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if e.Locked != 0 {
		t.Fatalf("expected nothing locked, got %d", e.Locked)
	}
	if e.Balance != 400+150 {
		t.Fatalf("expected unlocked 400 plus penalty 150, got %d", e.Balance)
	}
}

func TestWithdrawRespectsLockedBalance(t *testing.T) {
	l, ctx := newLedger(t)
	tx, _ := l.DB.Begin()
	if err := l.Lock(ctx, tx, "tok", "auth", 1000); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := l.Unlock(ctx, tx, "tok", "auth", 300); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := l.DB.Begin()
	defer tx2.Rollback()
	if err := l.Withdraw(ctx, tx2, "tok", "auth", 500); err == nil {
		t.Fatalf("expected withdraw beyond the unlocked 300 rejected")
	}
	if err := l.Withdraw(ctx, tx2, "tok", "auth", 300); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	e, _ := l.Entry(ctx, "tok", "auth")
	if e.Balance != 700 || e.Locked != 700 {
		t.Fatalf("expected 700/700 after withdrawal, got %+v", e)
	}
}

func TestPenaltyZeroNominal(t *testing.T) {
	l := ledger.Ledger{PenaltyBPS: 500, NominalBPS: 0}
	if got := l.Penalty(1000); got != 0 {
		t.Fatalf("zero nominal must yield zero penalty, got %d", got)
	}
	l = ledger.Ledger{PenaltyBPS: 2000, NominalBPS: 1000}
	if got := l.Penalty(1000); got != 1000 {
		t.Fatalf("penalty is capped at the fee, got %d", got)
	}
}

func TestSplitEvenConservesTotal(t *testing.T) {
	cases := []struct {
		total int64
		n     int
	}{{100, 3}, {101, 2}, {7, 7}, {5, 10}, {0, 4}}
	for _, tc := range cases {
		shares := ledger.SplitEven(tc.total, tc.n)
		if len(shares) != tc.n {
			t.Fatalf("SplitEven(%d,%d): got %d shares", tc.total, tc.n, len(shares))
		}
		var sum int64
		for _, s := range shares {
			sum += s
		}
		if sum != tc.total {
			t.Fatalf("SplitEven(%d,%d) sums to %d", tc.total, tc.n, sum)
		}
	}
	if shares := ledger.SplitEven(100, 0); shares != nil {
		t.Fatalf("expected nil for zero slots")
	}
}

func TestWeightedAndFinalShare(t *testing.T) {
	if got := ledger.WeightedShare(101, 50_000); got != 50 {
		t.Fatalf("WeightedShare(101, 50%%) = %d", got)
	}
	if got := ledger.FinalShare(101, 50); got != 51 {
		t.Fatalf("FinalShare(101, 50) = %d", got)
	}
	if got := ledger.FinalShare(100, 120); got != 0 {
		t.Fatalf("overpaid bounty must yield zero, got %d", got)
	}
}

func TestForfeitPoolAccumulates(t *testing.T) {
	l, ctx := newLedger(t)
	tx, _ := l.DB.Begin()
	if err := l.AddForfeit(ctx, tx, "tok", 100); err != nil {
		t.Fatalf("forfeit: %v", err)
	}
	if err := l.AddForfeit(ctx, tx, "tok", 250); err != nil {
		t.Fatalf("forfeit: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	p, err := l.BondPool(ctx, "tok")
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if p.Balance != 350 {
		t.Fatalf("expected pooled 350, got %d", p.Balance)
	}
}

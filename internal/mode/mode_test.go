package mode_test

import (
	"testing"
	"time"

	"bountyline/internal/domain"
	"bountyline/internal/mode"
)

func mustStrategy(t *testing.T, s *mode.State) mode.Strategy {
	t.Helper()
	strat, err := mode.ForState(s)
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	return strat
}

func TestDecodeNilIsSingle(t *testing.T) {
	s, err := mode.Decode(nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Kind != mode.KindSingle {
		t.Fatalf("expected single, got %s", s.Kind)
	}
	raw, err := mode.Encode(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if raw != nil {
		t.Fatalf("single mode must encode to a null column")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	min := 2
	s := &mode.State{Kind: mode.KindFixedSlots, Fixed: &mode.FixedSlotsState{Slots: 4, MinSlotsToStart: &min}}
	raw, err := mode.Encode(s)
	if err != nil || raw == nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := mode.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Kind != mode.KindFixedSlots || back.Fixed == nil || back.Fixed.Slots != 4 {
		t.Fatalf("round trip lost state: %+v", back)
	}
}

func TestValidateNew(t *testing.T) {
	if err := mode.ValidateNew(&mode.State{Kind: mode.KindFixedSlots, Fixed: &mode.FixedSlotsState{Slots: 0}}, 100); err == nil {
		t.Fatalf("expected zero slots rejected")
	}
	s := &mode.State{Kind: mode.KindFixedSlots, Fixed: &mode.FixedSlotsState{Slots: 3}}
	if err := mode.ValidateNew(s, 100); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if s.Fixed.AmountPerSlot != 33 {
		t.Fatalf("expected per-slot amount 33, got %d", s.Fixed.AmountPerSlot)
	}

	over := &mode.State{Kind: mode.KindWeightedSlots, Weighted: &mode.WeightedSlotsState{
		Subtasks: []mode.Subtask{{Percent: 70_000}, {Percent: 40_000}},
	}}
	if err := mode.ValidateNew(over, 100); err == nil {
		t.Fatalf("expected over-100%% subtasks rejected")
	}

	prizes := &mode.State{Kind: mode.KindContest, Contest: &mode.ContestState{PrizePlaces: []int64{80, 30}}}
	if err := mode.ValidateNew(prizes, 100); err == nil {
		t.Fatalf("expected prizes exceeding the amount rejected")
	}
}

func TestSingleStrategyAcceptsOnlyNew(t *testing.T) {
	strat := mustStrategy(t, nil)
	now := time.Now()
	if err := strat.Accepts(domain.BountyNew, nil, now); err != nil {
		t.Fatalf("accepts: %v", err)
	}
	if err := strat.Accepts(domain.BountyClaimed, nil, now); err == nil {
		t.Fatalf("expected claimed bounty to refuse")
	}
	slot := 0
	if err := strat.Accepts(domain.BountyNew, &slot, now); err == nil {
		t.Fatalf("expected slot index rejected outside weighted mode")
	}
}

func TestFixedSlotsAccounting(t *testing.T) {
	st := &mode.State{Kind: mode.KindFixedSlots, Fixed: &mode.FixedSlotsState{Slots: 2}}
	strat := mustStrategy(t, st)
	now := time.Now()

	if err := strat.Occupy(1, nil); err != nil {
		t.Fatalf("occupy: %v", err)
	}
	if err := strat.Occupy(2, nil); err != nil {
		t.Fatalf("occupy: %v", err)
	}
	if err := strat.Accepts(domain.BountyManyClaimed, nil, now); err == nil {
		t.Fatalf("expected full bounty to refuse")
	}
	if err := strat.MarkPaid(nil); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if strat.Complete() {
		t.Fatalf("one of two slots paid is not complete")
	}
	if got := strat.StatusAfterChange(1, 1); got != domain.BountyManyClaimed {
		t.Fatalf("expected many_claimed, got %s", got)
	}
	strat.Release(nil)
	if got := strat.StatusAfterChange(0, 1); got != domain.BountyAwaitingClaims {
		t.Fatalf("expected awaiting_claims with a paid slot free again, got %s", got)
	}
}

func TestContestEntryCutoff(t *testing.T) {
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	startedStr := started.Format(time.RFC3339)
	cutoff := int64(3600)
	st := &mode.State{Kind: mode.KindContest, Contest: &mode.ContestState{
		StartedAt:          &startedStr,
		EntryCutoffSeconds: &cutoff,
	}}
	strat := mustStrategy(t, st)

	if err := strat.Accepts(domain.BountyManyClaimed, nil, started.Add(30*time.Minute)); err != nil {
		t.Fatalf("accepts before cutoff: %v", err)
	}
	if err := strat.Accepts(domain.BountyManyClaimed, nil, started.Add(2*time.Hour)); err == nil {
		t.Fatalf("expected entry after cutoff refused")
	}
}

func TestContestThresholdGatesStart(t *testing.T) {
	threshold := 3
	st := &mode.State{Kind: mode.KindContest, Contest: &mode.ContestState{StartThreshold: &threshold}}
	strat := mustStrategy(t, st)
	if strat.Started(time.Now()) {
		t.Fatalf("thresholded contest must wait for its start")
	}
	startedStr := time.Now().Format(time.RFC3339)
	st.Contest.StartedAt = &startedStr
	if !strat.Started(time.Now()) {
		t.Fatalf("expected started once recorded")
	}
}

func TestWeightedSlotOccupancy(t *testing.T) {
	st := &mode.State{Kind: mode.KindWeightedSlots, Weighted: &mode.WeightedSlotsState{
		Subtasks: []mode.Subtask{{Percent: 60_000}, {Percent: 40_000}},
	}}
	strat := mustStrategy(t, st)
	now := time.Now()
	slot0, slot1 := 0, 1

	if err := strat.Accepts(domain.BountyNew, nil, now); err == nil {
		t.Fatalf("weighted mode requires a slot index")
	}
	if err := strat.Occupy(1, &slot0); err != nil {
		t.Fatalf("occupy: %v", err)
	}
	if err := strat.Accepts(domain.BountyManyClaimed, &slot0, now); err == nil {
		t.Fatalf("expected occupied slot refused")
	}
	if err := strat.Occupy(2, &slot1); err != nil {
		t.Fatalf("occupy: %v", err)
	}

	ops := strat.(mode.WeightedOps)
	if ops.AllCompleted() {
		t.Fatalf("nothing is completed yet")
	}
	if err := ops.CompleteSlot(&slot0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := ops.CompleteSlot(&slot1); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !ops.AllCompleted() {
		t.Fatalf("expected all subtasks completed")
	}
	if err := strat.MarkPaid(&slot0); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if err := strat.MarkPaid(&slot0); err == nil {
		t.Fatalf("expected double payment refused")
	}
	if err := strat.MarkPaid(&slot1); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if !strat.Complete() {
		t.Fatalf("expected complete after every subtask paid")
	}
	if got := strat.StatusAfterChange(0, 2); got != domain.BountyCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

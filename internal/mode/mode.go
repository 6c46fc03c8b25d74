package mode

import (
	"encoding/json"
	"fmt"
	"time"

	"bountyline/internal/domain"
	"bountyline/internal/ledger"
)

// Allocation-mode kinds.
const (
	KindSingle        = "single"
	KindContest       = "contest"
	KindFixedSlots    = "fixed_slots"
	KindWeightedSlots = "weighted_slots"
)

// State is the tagged union persisted as mode_json on the bounty row.
// A nil state (NULL column) means single-claimant mode.
type State struct {
	Kind     string              `json:"kind"`
	Contest  *ContestState       `json:"contest,omitempty"`
	Fixed    *FixedSlotsState    `json:"fixed_slots,omitempty"`
	Weighted *WeightedSlotsState `json:"weighted_slots,omitempty"`
}

type ContestState struct {
	Participants       int             `json:"participants"`
	StartedAt          *string         `json:"started_at,omitempty"`
	StartThreshold     *int            `json:"start_threshold,omitempty"`
	EntryCutoffSeconds *int64          `json:"entry_cutoff_seconds,omitempty"`
	PrizePlaces        []int64         `json:"prize_places,omitempty"`
	Winners            []ContestWinner `json:"winners,omitempty"`
	PaidWinners        int             `json:"paid_winners"`
}

type ContestWinner struct {
	Account string `json:"account"`
	ClaimID int64  `json:"claim_id"`
	Place   int    `json:"place"`
}

type FixedSlotsState struct {
	Slots           int   `json:"slots"`
	AmountPerSlot   int64 `json:"amount_per_slot"`
	MinSlotsToStart *int  `json:"min_slots_to_start,omitempty"`
	Occupied        int   `json:"occupied_slots"`
	Paid            int   `json:"paid_slots"`
}

type WeightedSlotsState struct {
	Subtasks []Subtask `json:"subtasks"`
}

type Subtask struct {
	Description string `json:"description"`
	Percent     int64  `json:"percent"`
	ClaimID     *int64 `json:"claim_id,omitempty"`
	Completed   bool   `json:"completed"`
	Paid        bool   `json:"paid"`
}

// Decode parses the mode_json column. A nil column is single mode.
func Decode(raw *string) (*State, error) {
	if raw == nil || *raw == "" {
		return &State{Kind: KindSingle}, nil
	}
	var s State
	if err := json.Unmarshal([]byte(*raw), &s); err != nil {
		return nil, fmt.Errorf("decode mode state: %w", err)
	}
	if s.Kind == "" {
		s.Kind = KindSingle
	}
	return &s, nil
}

// Encode serializes a state for the mode_json column. Single mode encodes to
// nil so a plain bounty row stays plain.
func Encode(s *State) (*string, error) {
	if s == nil || s.Kind == KindSingle {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode mode state: %w", err)
	}
	out := string(b)
	return &out, nil
}

// ValidateNew checks the creation-time invariants of a mode state.
func ValidateNew(s *State, amount int64) error {
	if s == nil {
		return nil
	}
	switch s.Kind {
	case KindSingle:
		return nil
	case KindContest:
		c := s.Contest
		if c == nil {
			return fmt.Errorf("contest mode requires contest state")
		}
		if c.StartThreshold != nil && *c.StartThreshold < 1 {
			return fmt.Errorf("contest start threshold must be at least 1")
		}
		if c.EntryCutoffSeconds != nil && *c.EntryCutoffSeconds < 0 {
			return fmt.Errorf("contest entry cutoff must not be negative")
		}
		var prizes int64
		for i, p := range c.PrizePlaces {
			if p <= 0 {
				return fmt.Errorf("prize place %d must be positive", i+1)
			}
			prizes += p
		}
		if prizes > amount {
			return fmt.Errorf("prize places total %d exceeds bounty amount %d", prizes, amount)
		}
		return nil
	case KindFixedSlots:
		f := s.Fixed
		if f == nil {
			return fmt.Errorf("fixed-slots mode requires fixed_slots state")
		}
		if f.Slots < 1 {
			return fmt.Errorf("fixed-slots bounty needs at least one slot")
		}
		if f.MinSlotsToStart != nil && (*f.MinSlotsToStart < 1 || *f.MinSlotsToStart > f.Slots) {
			return fmt.Errorf("min_slots_to_start must be within [1,%d]", f.Slots)
		}
		if f.Occupied != 0 || f.Paid != 0 {
			return fmt.Errorf("fixed-slots counters must start at zero")
		}
		f.AmountPerSlot = amount / int64(f.Slots)
		return nil
	case KindWeightedSlots:
		w := s.Weighted
		if w == nil || len(w.Subtasks) == 0 {
			return fmt.Errorf("weighted-slots mode requires at least one subtask")
		}
		var sum int64
		for i, st := range w.Subtasks {
			if st.Percent <= 0 {
				return fmt.Errorf("subtask %d percent must be positive", i)
			}
			if st.ClaimID != nil || st.Completed || st.Paid {
				return fmt.Errorf("subtask %d occupancy must start empty", i)
			}
			sum += st.Percent
		}
		if sum > ledger.PercentScale {
			return fmt.Errorf("subtask percentages sum to %d, limit is %d", sum, ledger.PercentScale)
		}
		return nil
	default:
		return fmt.Errorf("unknown allocation mode %q", s.Kind)
	}
}

// Strategy encapsulates the mode-specific counters and legality checks.
// One implementation per variant; selected once per bounty, never mixed.
type Strategy interface {
	Kind() string
	// Multi reports whether the bounty supports concurrent claimants.
	Multi() bool
	// Accepts returns nil when a new claim may be staked.
	Accepts(bountyStatus string, slot *int, now time.Time) error
	// Occupy reserves capacity for an accepted claim.
	Occupy(claimID int64, slot *int) error
	// Release frees capacity when a claim leaves without a payout.
	Release(slot *int)
	// MarkPaid records a settled payout for a claim/slot.
	MarkPaid(slot *int) error
	// Started reports whether promoted claims may begin work.
	Started(now time.Time) bool
	// Complete reports whether every required payout has settled.
	Complete() bool
	// StatusAfterChange recomputes the bounty status from the counters.
	// activeClaims and paidClaims are the store's counts of live and
	// settled claims; single mode has no counters of its own and relies
	// on them.
	StatusAfterChange(activeClaims, paidClaims int) string
}

// ForState selects the strategy matching the state's kind.
func ForState(s *State) (Strategy, error) {
	if s == nil {
		return singleStrategy{}, nil
	}
	switch s.Kind {
	case KindSingle:
		return singleStrategy{}, nil
	case KindContest:
		if s.Contest == nil {
			return nil, fmt.Errorf("contest state missing")
		}
		return &contestStrategy{s.Contest}, nil
	case KindFixedSlots:
		if s.Fixed == nil {
			return nil, fmt.Errorf("fixed_slots state missing")
		}
		return &fixedStrategy{s.Fixed}, nil
	case KindWeightedSlots:
		if s.Weighted == nil {
			return nil, fmt.Errorf("weighted_slots state missing")
		}
		return &weightedStrategy{s.Weighted}, nil
	default:
		return nil, fmt.Errorf("unknown allocation mode %q", s.Kind)
	}
}

type singleStrategy struct{}

func (singleStrategy) Kind() string { return KindSingle }
func (singleStrategy) Multi() bool  { return false }

func (singleStrategy) Accepts(bountyStatus string, slot *int, _ time.Time) error {
	if slot != nil {
		return fmt.Errorf("slot index only applies to weighted-slots bounties")
	}
	if bountyStatus != domain.BountyNew {
		return fmt.Errorf("bounty does not accept claims in status %s", bountyStatus)
	}
	return nil
}

func (singleStrategy) Occupy(int64, *int) error { return nil }
func (singleStrategy) Release(*int)             {}
func (singleStrategy) MarkPaid(*int) error      { return nil }
func (singleStrategy) Started(time.Time) bool   { return true }
func (singleStrategy) Complete() bool           { return false }

func (singleStrategy) StatusAfterChange(activeClaims, paidClaims int) string {
	if paidClaims > 0 {
		return domain.BountyCompleted
	}
	if activeClaims > 0 {
		return domain.BountyClaimed
	}
	return domain.BountyNew
}

type contestStrategy struct{ c *ContestState }

func (contestStrategy) Kind() string { return KindContest }
func (contestStrategy) Multi() bool  { return true }

func (s *contestStrategy) Accepts(bountyStatus string, slot *int, now time.Time) error {
	if slot != nil {
		return fmt.Errorf("slot index only applies to weighted-slots bounties")
	}
	if bountyStatus != domain.BountyNew && bountyStatus != domain.BountyManyClaimed {
		return fmt.Errorf("bounty does not accept claims in status %s", bountyStatus)
	}
	if len(s.c.Winners) > 0 {
		return fmt.Errorf("contest already has a winner")
	}
	if s.c.StartedAt != nil && s.c.EntryCutoffSeconds != nil {
		started, err := time.Parse(time.RFC3339, *s.c.StartedAt)
		if err == nil && now.After(started.Add(time.Duration(*s.c.EntryCutoffSeconds)*time.Second)) {
			return fmt.Errorf("contest entry cutoff has passed")
		}
	}
	return nil
}

func (s *contestStrategy) Occupy(int64, *int) error {
	s.c.Participants++
	return nil
}

func (s *contestStrategy) Release(*int) {
	if s.c.Participants > 0 {
		s.c.Participants--
	}
}

func (s *contestStrategy) MarkPaid(*int) error {
	if s.c.PaidWinners >= s.winnerCount() {
		return fmt.Errorf("all contest prizes already paid")
	}
	s.c.PaidWinners++
	return nil
}

func (s *contestStrategy) winnerCount() int {
	if len(s.c.PrizePlaces) > 0 {
		return len(s.c.PrizePlaces)
	}
	return 1
}

// Started: an un-thresholded contest runs from creation; a thresholded one
// runs once the threshold was met (StartedAt recorded) or after a manual start.
func (s *contestStrategy) Started(time.Time) bool {
	if s.c.StartThreshold == nil {
		return true
	}
	return s.c.StartedAt != nil
}

func (s *contestStrategy) Complete() bool {
	return s.c.PaidWinners >= s.winnerCount()
}

func (s *contestStrategy) StatusAfterChange(activeClaims, _ int) string {
	if s.Complete() {
		return domain.BountyCompleted
	}
	if activeClaims > 0 {
		return domain.BountyManyClaimed
	}
	return domain.BountyNew
}

type fixedStrategy struct{ f *FixedSlotsState }

func (fixedStrategy) Kind() string { return KindFixedSlots }
func (fixedStrategy) Multi() bool  { return true }

func (s *fixedStrategy) Accepts(bountyStatus string, slot *int, _ time.Time) error {
	if slot != nil {
		return fmt.Errorf("slot index only applies to weighted-slots bounties")
	}
	switch bountyStatus {
	case domain.BountyNew, domain.BountyManyClaimed, domain.BountyAwaitingClaims:
	default:
		return fmt.Errorf("bounty does not accept claims in status %s", bountyStatus)
	}
	if s.f.Occupied+s.f.Paid >= s.f.Slots {
		return fmt.Errorf("all %d slots are taken", s.f.Slots)
	}
	return nil
}

func (s *fixedStrategy) Occupy(_ int64, _ *int) error {
	if s.f.Occupied+s.f.Paid >= s.f.Slots {
		return fmt.Errorf("slot accounting overflow: occupied=%d paid=%d slots=%d", s.f.Occupied, s.f.Paid, s.f.Slots)
	}
	s.f.Occupied++
	return nil
}

func (s *fixedStrategy) Release(*int) {
	if s.f.Occupied > 0 {
		s.f.Occupied--
	}
}

func (s *fixedStrategy) MarkPaid(*int) error {
	if s.f.Occupied == 0 {
		return fmt.Errorf("no occupied slot to pay")
	}
	s.f.Occupied--
	s.f.Paid++
	if s.f.Occupied+s.f.Paid > s.f.Slots {
		return fmt.Errorf("slot accounting overflow: occupied=%d paid=%d slots=%d", s.f.Occupied, s.f.Paid, s.f.Slots)
	}
	return nil
}

func (s *fixedStrategy) Started(time.Time) bool {
	if s.f.MinSlotsToStart == nil {
		return true
	}
	return s.f.Occupied+s.f.Paid >= *s.f.MinSlotsToStart
}

func (s *fixedStrategy) Complete() bool { return s.f.Paid >= s.f.Slots }

func (s *fixedStrategy) StatusAfterChange(int, int) string {
	switch {
	case s.f.Paid >= s.f.Slots:
		return domain.BountyCompleted
	case s.f.Occupied > 0:
		return domain.BountyManyClaimed
	case s.f.Paid > 0:
		return domain.BountyAwaitingClaims
	default:
		return domain.BountyNew
	}
}

type weightedStrategy struct{ w *WeightedSlotsState }

func (weightedStrategy) Kind() string { return KindWeightedSlots }
func (weightedStrategy) Multi() bool  { return true }

func (s *weightedStrategy) slot(idx *int) (*Subtask, error) {
	if idx == nil {
		return nil, fmt.Errorf("weighted-slots bounty requires a slot index")
	}
	if *idx < 0 || *idx >= len(s.w.Subtasks) {
		return nil, fmt.Errorf("slot %d out of range [0,%d)", *idx, len(s.w.Subtasks))
	}
	return &s.w.Subtasks[*idx], nil
}

func (s *weightedStrategy) Accepts(bountyStatus string, slot *int, _ time.Time) error {
	switch bountyStatus {
	case domain.BountyNew, domain.BountyManyClaimed:
	default:
		return fmt.Errorf("bounty does not accept claims in status %s", bountyStatus)
	}
	st, err := s.slot(slot)
	if err != nil {
		return err
	}
	if st.ClaimID != nil || st.Paid {
		return fmt.Errorf("slot %d is already claimed", *slot)
	}
	return nil
}

func (s *weightedStrategy) Occupy(claimID int64, slot *int) error {
	st, err := s.slot(slot)
	if err != nil {
		return err
	}
	if st.ClaimID != nil {
		return fmt.Errorf("slot %d is already claimed", *slot)
	}
	st.ClaimID = &claimID
	return nil
}

func (s *weightedStrategy) Release(slot *int) {
	st, err := s.slot(slot)
	if err != nil {
		return
	}
	st.ClaimID = nil
	st.Completed = false
}

// CompleteSlot marks a single subtask as done; payout stays pending.
func (s *weightedStrategy) CompleteSlot(slot *int) error {
	st, err := s.slot(slot)
	if err != nil {
		return err
	}
	if st.ClaimID == nil {
		return fmt.Errorf("slot %d has no claim", *slot)
	}
	st.Completed = true
	return nil
}

func (s *weightedStrategy) MarkPaid(slot *int) error {
	st, err := s.slot(slot)
	if err != nil {
		return err
	}
	if st.Paid {
		return fmt.Errorf("slot %d already paid", *slot)
	}
	st.Paid = true
	st.ClaimID = nil
	return nil
}

func (s *weightedStrategy) Started(time.Time) bool { return true }

func (s *weightedStrategy) Complete() bool {
	for _, st := range s.w.Subtasks {
		if !st.Paid {
			return false
		}
	}
	return true
}

// AllCompleted reports whether every subtask's work is marked done.
func (s *weightedStrategy) AllCompleted() bool {
	for _, st := range s.w.Subtasks {
		if !st.Completed && !st.Paid {
			return false
		}
	}
	return true
}

func (s *weightedStrategy) StatusAfterChange(int, int) string {
	if s.Complete() {
		return domain.BountyCompleted
	}
	anyPaid := false
	for _, st := range s.w.Subtasks {
		if st.ClaimID != nil {
			return domain.BountyManyClaimed
		}
		if st.Paid {
			anyPaid = true
		}
	}
	if anyPaid {
		return domain.BountyManyClaimed
	}
	return domain.BountyNew
}

// WeightedOps exposes the weighted-slots extras behind the Strategy interface.
type WeightedOps interface {
	CompleteSlot(slot *int) error
	AllCompleted() bool
}

package server

import (
	"encoding/json"

	"bountyline/internal/domain"
	"bountyline/internal/mode"
)

// Request payloads

type ModeRequest struct {
	Kind               string   `json:"kind" enum:"single,contest,fixed_slots,weighted_slots"`
	Slots              *int     `json:"slots,omitempty"`
	MinSlotsToStart    *int     `json:"min_slots_to_start,omitempty"`
	PrizePlaces        []int64  `json:"prize_places,omitempty"`
	StartThreshold     *int     `json:"start_threshold,omitempty"`
	EntryCutoffSeconds *int64   `json:"entry_cutoff_seconds,omitempty"`
	Subtasks           []string `json:"subtasks,omitempty"`
	SubtaskPercents    []int64  `json:"subtask_percents,omitempty"`
}

type CreateBountyRequest struct {
	Title            string      `json:"title"`
	Description      *string     `json:"description,omitempty"`
	Category         string      `json:"category"`
	Tags             []string    `json:"tags,omitempty"`
	Token            *string     `json:"token,omitempty"`
	Amount           int64       `json:"amount,omitempty"`
	Authority        *string     `json:"authority,omitempty"`
	MaxDeadline      int64       `json:"max_deadline"`
	DecisionPolicy   string      `json:"decision_policy,omitempty" enum:"owner,whitelist,dao"`
	Whitelist        []string    `json:"whitelist,omitempty"`
	ClaimantApproval bool        `json:"claimant_approval,omitempty"`
	KYCPolicy        string      `json:"kyc_policy,omitempty" enum:"none,required,deferred"`
	Postpaid         bool        `json:"postpaid,omitempty"`
	Mode             *ModeRequest `json:"mode,omitempty"`
}

type SubmitClaimRequest struct {
	Account         string  `json:"account,omitempty"`
	Description     *string `json:"description,omitempty"`
	Slot            *int    `json:"slot,omitempty"`
	DeadlineSeconds *int64  `json:"deadline_seconds,omitempty"`
}

type MarkDoneRequest struct {
	Description *string `json:"description,omitempty"`
}

type DecideClaimRequest struct {
	Approve bool `json:"approve"`
}

type BatchApproveRequest struct {
	ClaimIDs []int64 `json:"claim_ids"`
}

type OpenDisputeRequest struct {
	Description *string `json:"description,omitempty"`
}

type WithdrawRequest struct {
	Token     string `json:"token"`
	Authority string `json:"authority,omitempty"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient,omitempty"`
}

type ResolveActionRequest struct {
	OK         bool   `json:"ok"`
	ExternalID *int64 `json:"external_id,omitempty"`
}

type CreateAPIKeyRequest struct {
	Account string `json:"account,omitempty"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	Account string `json:"account"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type BountyResponse struct {
	ID                 int64       `json:"id"`
	Owner              string      `json:"owner"`
	Token              *string     `json:"token,omitempty"`
	Amount             int64       `json:"amount"`
	PlatformFee        int64       `json:"platform_fee"`
	AuthorityFee       int64       `json:"authority_fee"`
	Authority          *string     `json:"authority,omitempty"`
	Title              string      `json:"title"`
	Description        string      `json:"description,omitempty"`
	Category           string      `json:"category"`
	Tags               []string    `json:"tags"`
	MaxDeadline        int64       `json:"max_deadline"`
	DecisionPolicy     string      `json:"decision_policy" enum:"owner,whitelist,dao"`
	Whitelist          []string    `json:"whitelist,omitempty"`
	ClaimantApproval   bool        `json:"claimant_approval"`
	KYCPolicy          string      `json:"kyc_policy" enum:"none,required,deferred"`
	Postpaid           bool        `json:"postpaid"`
	PaidAt             *string     `json:"paid_at,omitempty" format:"date-time"`
	PaymentConfirmedAt *string     `json:"payment_confirmed_at,omitempty" format:"date-time"`
	Mode               *mode.State `json:"mode,omitempty"`
	Status             string      `json:"status" enum:"new,claimed,many_claimed,awaiting_claims,completed,canceled,partially_completed"`
	CreatedAt          string      `json:"created_at" format:"date-time"`
	UpdatedAt          string      `json:"updated_at" format:"date-time"`
}

type ClaimResponse struct {
	ID                 int64   `json:"id"`
	BountyID           int64   `json:"bounty_id"`
	Account            string  `json:"account"`
	Seq                *int64  `json:"seq,omitempty"`
	Description        string  `json:"description,omitempty"`
	Status             string  `json:"status" enum:"new,ready_to_start,competes,in_progress,completed,completed_with_dispute,disputed,rejected,approved,not_hired,canceled,expired,not_completed"`
	Slot               *int    `json:"slot,omitempty"`
	Bond               *int64  `json:"bond,omitempty"`
	PayoutProposalID   *int64  `json:"payout_proposal_id,omitempty"`
	DisputeID          *int64  `json:"dispute_id,omitempty"`
	KYCDeferred        bool    `json:"kyc_deferred,omitempty"`
	SettlementPending  bool    `json:"settlement_pending"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	StartedAt          *string `json:"started_at,omitempty" format:"date-time"`
	DeadlineAt         *string `json:"deadline_at,omitempty" format:"date-time"`
	RejectedAt         *string `json:"rejected_at,omitempty" format:"date-time"`
	PaidAt             *string `json:"paid_at,omitempty" format:"date-time"`
	PaymentConfirmedAt *string `json:"payment_confirmed_at,omitempty" format:"date-time"`
}

type ActionResponse struct {
	ID         int64  `json:"id"`
	Kind       string `json:"kind" enum:"payout,refund,bond_refund,withdraw,proposal,dispute"`
	BountyID   int64  `json:"bounty_id"`
	ClaimID    *int64 `json:"claim_id,omitempty"`
	Token      string `json:"token,omitempty"`
	Amount     int64  `json:"amount"`
	Recipient  string `json:"recipient,omitempty"`
	Memo       string `json:"memo,omitempty"`
	Status     string `json:"status" enum:"pending,applied,reverted"`
	ExternalID *int64 `json:"external_id,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type LedgerEntryResponse struct {
	Token     string `json:"token"`
	Authority string `json:"authority,omitempty"`
	Balance   int64  `json:"balance"`
	Locked    int64  `json:"locked_balance"`
}

type BondPoolResponse struct {
	Token   string `json:"token"`
	Balance int64  `json:"balance"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	BountyID   int64          `json:"bounty_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Account   string `json:"account"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	Account string `json:"account"`
	Source  string `json:"source"`
}

type paginatedBounties struct {
	Items      []BountyResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func (m *ModeRequest) state() *mode.State {
	if m == nil {
		return nil
	}
	switch m.Kind {
	case "", mode.KindSingle:
		return nil
	case mode.KindContest:
		return &mode.State{Kind: mode.KindContest, Contest: &mode.ContestState{
			PrizePlaces:        m.PrizePlaces,
			StartThreshold:     m.StartThreshold,
			EntryCutoffSeconds: m.EntryCutoffSeconds,
		}}
	case mode.KindFixedSlots:
		slots := 0
		if m.Slots != nil {
			slots = *m.Slots
		}
		return &mode.State{Kind: mode.KindFixedSlots, Fixed: &mode.FixedSlotsState{
			Slots:           slots,
			MinSlotsToStart: m.MinSlotsToStart,
		}}
	case mode.KindWeightedSlots:
		subs := make([]mode.Subtask, 0, len(m.SubtaskPercents))
		for i, pct := range m.SubtaskPercents {
			s := mode.Subtask{Percent: pct}
			if i < len(m.Subtasks) {
				s.Description = m.Subtasks[i]
			}
			subs = append(subs, s)
		}
		return &mode.State{Kind: mode.KindWeightedSlots, Weighted: &mode.WeightedSlotsState{Subtasks: subs}}
	default:
		// Validation happens in the engine; carry the kind through so the
		// error names it.
		return &mode.State{Kind: m.Kind}
	}
}

func bountyResponse(b domain.Bounty) BountyResponse {
	st, _ := mode.Decode(b.ModeJSON)
	return BountyResponse{
		ID:                 b.ID,
		Owner:              b.Owner,
		Token:              b.Token,
		Amount:             b.Amount,
		PlatformFee:        b.PlatformFee,
		AuthorityFee:       b.AuthorityFee,
		Authority:          b.Authority,
		Title:              b.Title,
		Description:        b.Description,
		Category:           b.Category,
		Tags:               nonNilSlice(b.Tags),
		MaxDeadline:        b.MaxDeadline,
		DecisionPolicy:     b.DecisionPolicy,
		Whitelist:          b.Whitelist,
		ClaimantApproval:   b.ClaimantApproval,
		KYCPolicy:          b.KYCPolicy,
		Postpaid:           b.Postpaid,
		PaidAt:             b.PaidAt,
		PaymentConfirmedAt: b.PaymentConfirmedAt,
		Mode:               st,
		Status:             b.Status,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
}

func claimResponse(c domain.Claim) ClaimResponse {
	return ClaimResponse{
		ID:                 c.ID,
		BountyID:           c.BountyID,
		Account:            c.Account,
		Seq:                c.Seq,
		Description:        c.Description,
		Status:             c.Status,
		Slot:               c.Slot,
		Bond:               c.Bond,
		PayoutProposalID:   c.PayoutProposalID,
		DisputeID:          c.DisputeID,
		KYCDeferred:        c.KYCDeferred,
		SettlementPending:  c.PayoutActionID != nil,
		CreatedAt:          c.CreatedAt,
		StartedAt:          c.StartedAt,
		DeadlineAt:         c.DeadlineAt,
		RejectedAt:         c.RejectedAt,
		PaidAt:             c.PaidAt,
		PaymentConfirmedAt: c.PaymentConfirmedAt,
	}
}

func actionResponse(a domain.Action) ActionResponse {
	return ActionResponse{
		ID:         a.ID,
		Kind:       a.Kind,
		BountyID:   a.BountyID,
		ClaimID:    a.ClaimID,
		Token:      a.Token,
		Amount:     a.Amount,
		Recipient:  a.Recipient,
		Memo:       a.Memo,
		Status:     a.Status,
		ExternalID: a.ExternalID,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func ledgerEntryResponse(e domain.CommissionEntry) LedgerEntryResponse {
	return LedgerEntryResponse(e)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		BountyID:   e.BountyID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		Account:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func mapClaims(items []domain.Claim) []ClaimResponse {
	res := make([]ClaimResponse, 0, len(items))
	for _, c := range items {
		res = append(res, claimResponse(c))
	}
	return res
}

func mapBounties(items []domain.Bounty) []BountyResponse {
	res := make([]BountyResponse, 0, len(items))
	for _, b := range items {
		res = append(res, bountyResponse(b))
	}
	return res
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

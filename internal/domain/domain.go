package domain

// Bounty statuses.
const (
	BountyNew                = "new"
	BountyClaimed            = "claimed"
	BountyManyClaimed        = "many_claimed"
	BountyAwaitingClaims     = "awaiting_claims"
	BountyCompleted          = "completed"
	BountyCanceled           = "canceled"
	BountyPartiallyCompleted = "partially_completed"
)

// Claim statuses.
const (
	ClaimNew                  = "new"
	ClaimReadyToStart         = "ready_to_start"
	ClaimCompetes             = "competes"
	ClaimInProgress           = "in_progress"
	ClaimCompleted            = "completed"
	ClaimCompletedWithDispute = "completed_with_dispute"
	ClaimDisputed             = "disputed"
	ClaimRejected             = "rejected"
	ClaimApproved             = "approved"
	ClaimNotHired             = "not_hired"
	ClaimCanceled             = "canceled"
	ClaimExpired              = "expired"
	ClaimNotCompleted         = "not_completed"
)

// Decision policies.
const (
	DecideByOwner     = "owner"
	DecideByWhitelist = "whitelist"
	DecideByDAO       = "dao"
)

// KYC policies.
const (
	KYCNone     = "none"
	KYCRequired = "required"
	KYCDeferred = "deferred"
)

type Bounty struct {
	ID                 int64    `json:"id"`
	Owner              string   `json:"owner"`
	Token              *string  `json:"token,omitempty"`
	Amount             int64    `json:"amount"`
	PlatformFee        int64    `json:"platform_fee"`
	AuthorityFee       int64    `json:"authority_fee"`
	Authority          *string  `json:"authority,omitempty"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	Category           string   `json:"category"`
	Tags               []string `json:"tags,omitempty"`
	MaxDeadline        int64    `json:"max_deadline"`
	DecisionPolicy     string   `json:"decision_policy" enum:"owner,whitelist,dao"`
	Whitelist          []string `json:"whitelist,omitempty"`
	ClaimantApproval   bool     `json:"claimant_approval"`
	KYCPolicy          string   `json:"kyc_policy" enum:"none,required,deferred"`
	Postpaid           bool     `json:"postpaid"`
	PaidAt             *string  `json:"paid_at,omitempty" format:"date-time"`
	PaymentConfirmedAt *string  `json:"payment_confirmed_at,omitempty" format:"date-time"`
	ModeJSON           *string  `json:"mode_json,omitempty"`
	Status             string   `json:"status" enum:"new,claimed,many_claimed,awaiting_claims,completed,canceled,partially_completed"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

type Claim struct {
	ID                 int64   `json:"id"`
	BountyID           int64   `json:"bounty_id"`
	Account            string  `json:"account"`
	Seq                *int64  `json:"seq,omitempty"`
	Description        string  `json:"description,omitempty"`
	Status             string  `json:"status" enum:"new,ready_to_start,competes,in_progress,completed,completed_with_dispute,disputed,rejected,approved,not_hired,canceled,expired,not_completed"`
	Slot               *int    `json:"slot,omitempty"`
	Bond               *int64  `json:"bond,omitempty"`
	ApproveProposalID  *int64  `json:"approve_proposal_id,omitempty"`
	PayoutProposalID   *int64  `json:"payout_proposal_id,omitempty"`
	DisputeID          *int64  `json:"dispute_id,omitempty"`
	KYCDeferred        bool    `json:"kyc_deferred,omitempty"`
	PayoutActionID     *int64  `json:"payout_action_id,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	StartedAt          *string `json:"started_at,omitempty" format:"date-time"`
	DeadlineAt         *string `json:"deadline_at,omitempty" format:"date-time"`
	RejectedAt         *string `json:"rejected_at,omitempty" format:"date-time"`
	PaidAt             *string `json:"paid_at,omitempty" format:"date-time"`
	PaymentConfirmedAt *string `json:"payment_confirmed_at,omitempty" format:"date-time"`
}

// TerminalClaimStatus reports whether a claim status admits no further
// transitions. CompletedWithDispute is not terminal: it may still move to
// Approved.
func TerminalClaimStatus(status string) bool {
	switch status {
	case ClaimApproved, ClaimNotHired, ClaimCanceled, ClaimExpired, ClaimNotCompleted:
		return true
	}
	return false
}

// ActiveClaimStatus reports whether a claim currently occupies its bounty
// (or slot) and blocks competing claims.
func ActiveClaimStatus(status string) bool {
	switch status {
	case ClaimNew, ClaimReadyToStart, ClaimCompetes, ClaimInProgress,
		ClaimCompleted, ClaimCompletedWithDispute, ClaimDisputed, ClaimRejected:
		return true
	}
	return false
}

// CommissionEntry is one (token, authority) row of the commission ledger.
// Platform rows use an empty authority.
type CommissionEntry struct {
	Token     string `json:"token"`
	Authority string `json:"authority,omitempty"`
	Balance   int64  `json:"balance"`
	Locked    int64  `json:"locked_balance"`
}

// BondPool holds forfeited claim bonds per token.
type BondPool struct {
	Token   string `json:"token"`
	Balance int64  `json:"balance"`
}

// Settlement action kinds and statuses.
const (
	ActionPayout     = "payout"
	ActionRefund     = "refund"
	ActionBondRefund = "bond_refund"
	ActionWithdraw   = "withdraw"
	ActionProposal   = "proposal"
	ActionDispute    = "dispute"

	ActionPending  = "pending"
	ActionApplied  = "applied"
	ActionReverted = "reverted"
)

// Action is one in-flight (or settled) external call with its pre-computed
// amounts. Callbacks apply exactly what is recorded here and never recompute.
type Action struct {
	ID         int64  `json:"id"`
	Kind       string `json:"kind" enum:"payout,refund,bond_refund,withdraw,proposal,dispute"`
	BountyID   int64  `json:"bounty_id"`
	ClaimID    *int64 `json:"claim_id,omitempty"`
	Token      string `json:"token,omitempty"`
	Amount     int64  `json:"amount"`
	FeeUnlock  int64  `json:"fee_unlock"`
	AuthUnlock int64  `json:"authority_unlock"`
	Recipient  string `json:"recipient,omitempty"`
	Memo       string `json:"memo,omitempty"`
	Status     string `json:"status" enum:"pending,applied,reverted"`
	ExternalID *int64 `json:"external_id,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// Governance proposal statuses as reported by the voting body.
const (
	ProposalApproved   = "approved"
	ProposalRejected   = "rejected"
	ProposalInProgress = "in_progress"
)

type Proposal struct {
	ID       int64  `json:"id"`
	Proposer string `json:"proposer"`
	Status   string `json:"status" enum:"approved,rejected,in_progress"`
}

// Dispute statuses as reported by the arbitration service.
const (
	DisputeNew               = "new"
	DisputeDecisionPending   = "decision_pending"
	DisputeForClaimant       = "in_favor_of_claimant"
	DisputeForOwner          = "in_favor_of_project_owner"
	DisputeCanceledByClaimer = "canceled_by_claimant"
	DisputeCanceledByOwner   = "canceled_by_project_owner"
)

type Dispute struct {
	ID     int64  `json:"id"`
	Status string `json:"status" enum:"new,decision_pending,in_favor_of_claimant,in_favor_of_project_owner,canceled_by_claimant,canceled_by_project_owner"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	BountyID   int64  `json:"bounty_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

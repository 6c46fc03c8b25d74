package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bountyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const bountyColumns = `id,owner_id,token,amount,platform_fee,authority_fee,authority_id,title,description,category,tags_json,max_deadline,decision_policy,whitelist_json,claimant_approval,kyc_policy,postpaid,paid_at,payment_confirmed_at,mode_json,status,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBounty(row rowScanner) (domain.Bounty, error) {
	var b domain.Bounty
	var token, authority, description, tagsJSON, whitelistJSON, paidAt, confirmedAt, modeJSON sql.NullString
	var claimantApproval, postpaid int
	err := row.Scan(&b.ID, &b.Owner, &token, &b.Amount, &b.PlatformFee, &b.AuthorityFee, &authority,
		&b.Title, &description, &b.Category, &tagsJSON, &b.MaxDeadline, &b.DecisionPolicy, &whitelistJSON,
		&claimantApproval, &b.KYCPolicy, &postpaid, &paidAt, &confirmedAt, &modeJSON, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if token.Valid {
		b.Token = &token.String
	}
	if authority.Valid {
		b.Authority = &authority.String
	}
	if description.Valid {
		b.Description = description.String
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &b.Tags)
	}
	if whitelistJSON.Valid && whitelistJSON.String != "" {
		_ = json.Unmarshal([]byte(whitelistJSON.String), &b.Whitelist)
	}
	b.ClaimantApproval = claimantApproval != 0
	b.Postpaid = postpaid != 0
	if paidAt.Valid {
		b.PaidAt = &paidAt.String
	}
	if confirmedAt.Valid {
		b.PaymentConfirmedAt = &confirmedAt.String
	}
	if modeJSON.Valid {
		b.ModeJSON = &modeJSON.String
	}
	return b, nil
}

func (r Repo) InsertBounty(ctx context.Context, tx *sql.Tx, b domain.Bounty) (int64, error) {
	tags, err := marshalStringSlice(b.Tags)
	if err != nil {
		return 0, err
	}
	whitelist, err := marshalStringSlice(b.Whitelist)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO bounties(owner_id,token,amount,platform_fee,authority_fee,authority_id,title,description,category,tags_json,max_deadline,decision_policy,whitelist_json,claimant_approval,kyc_policy,postpaid,paid_at,payment_confirmed_at,mode_json,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.Owner, nullableStringPtr(b.Token), b.Amount, b.PlatformFee, b.AuthorityFee, nullableStringPtr(b.Authority),
		b.Title, nullable(b.Description), b.Category, tags, b.MaxDeadline, b.DecisionPolicy, whitelist,
		boolInt(b.ClaimantApproval), b.KYCPolicy, boolInt(b.Postpaid), nullableStringPtr(b.PaidAt),
		nullableStringPtr(b.PaymentConfirmedAt), nullableStringPtr(b.ModeJSON), b.Status, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateBounty(ctx context.Context, tx *sql.Tx, b domain.Bounty) error {
	tags, err := marshalStringSlice(b.Tags)
	if err != nil {
		return err
	}
	whitelist, err := marshalStringSlice(b.Whitelist)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE bounties SET owner_id=?, token=?, amount=?, platform_fee=?, authority_fee=?, authority_id=?, title=?, description=?, category=?, tags_json=?, max_deadline=?, decision_policy=?, whitelist_json=?, claimant_approval=?, kyc_policy=?, postpaid=?, paid_at=?, payment_confirmed_at=?, mode_json=?, status=?, updated_at=? WHERE id=?`,
		b.Owner, nullableStringPtr(b.Token), b.Amount, b.PlatformFee, b.AuthorityFee, nullableStringPtr(b.Authority),
		b.Title, nullable(b.Description), b.Category, tags, b.MaxDeadline, b.DecisionPolicy, whitelist,
		boolInt(b.ClaimantApproval), b.KYCPolicy, boolInt(b.Postpaid), nullableStringPtr(b.PaidAt),
		nullableStringPtr(b.PaymentConfirmedAt), nullableStringPtr(b.ModeJSON), b.Status, b.UpdatedAt, b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetBounty(ctx context.Context, id int64) (domain.Bounty, error) {
	return scanBounty(r.DB.QueryRowContext(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id=?`, id))
}

func (r Repo) GetBountyTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Bounty, error) {
	return scanBounty(tx.QueryRowContext(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id=?`, id))
}

type BountyFilters struct {
	Owner    string
	Status   string
	Limit    int
	CursorID int64
}

func (r Repo) ListBounties(ctx context.Context, f BountyFilters) ([]domain.Bounty, error) {
	var clauses []string
	var args []any
	if f.Owner != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + bountyColumns + ` FROM bounties ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bounty
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, bountyID int64, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if bountyID > 0 {
		clauses = append(clauses, "bounty_id=?")
		args = append(args, bountyID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,bounty_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var bounty sql.NullInt64
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &bounty, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if bounty.Valid {
			e.BountyID = bounty.Int64
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

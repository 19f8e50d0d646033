package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fadedpez/tradevault/pkg/entities"
	"github.com/fadedpez/tradevault/pkg/repositories/escrow"
)

// sqlEscrowRepo implements escrow.Repository inside one SQL transaction
type sqlEscrowRepo struct {
	q *sqlQuerier
}

const escrowColumns = `id, escrow_type, buyer_id, seller_id, amount, xcoin_amount, status, auto_release,
	auto_release_after, facilitator_id, facilitator_fee, created_at, funded_at, delivered_at,
	inspection_ends_at, released_at, refunded_at, cancelled_at, expires_at, updated_at, version`

func scanEscrow(row rowScanner) (*entities.Escrow, error) {
	var (
		e                                    entities.Escrow
		escrowType, status                   string
		createdAt, updatedAt                 int64
		fundedAt, deliveredAt, inspectionEnd sql.NullInt64
		releasedAt, refundedAt, cancelledAt  sql.NullInt64
		expiresAt                            sql.NullInt64
	)
	err := row.Scan(&e.ID, &escrowType, &e.BuyerID, &e.SellerID, &e.Amount, &e.XcoinAmount, &status,
		&e.AutoRelease, &e.AutoReleaseAfter, &e.FacilitatorID, &e.FacilitatorFee, &createdAt,
		&fundedAt, &deliveredAt, &inspectionEnd, &releasedAt, &refundedAt, &cancelledAt, &expiresAt,
		&updatedAt, &e.Version)
	if err != nil {
		return nil, err
	}

	e.Type = entities.EscrowType(escrowType)
	e.Status = entities.EscrowStatus(status)
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	e.FundedAt = timePtr(fundedAt)
	e.DeliveredAt = timePtr(deliveredAt)
	e.InspectionEndsAt = timePtr(inspectionEnd)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)
	e.CancelledAt = timePtr(cancelledAt)
	e.ExpiresAt = timePtr(expiresAt)
	return &e, nil
}

// CreateEscrow inserts a new escrow
func (r *sqlEscrowRepo) CreateEscrow(ctx context.Context, e *entities.Escrow) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	_, err := r.q.exec(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.BuyerID, e.SellerID, e.Amount, e.XcoinAmount, string(e.Status),
		e.AutoRelease, e.AutoReleaseAfter, e.FacilitatorID, e.FacilitatorFee, toNanos(e.CreatedAt),
		nullableNanos(e.FundedAt), nullableNanos(e.DeliveredAt), nullableNanos(e.InspectionEndsAt),
		nullableNanos(e.ReleasedAt), nullableNanos(e.RefundedAt), nullableNanos(e.CancelledAt),
		nullableNanos(e.ExpiresAt), toNanos(e.UpdatedAt), e.Version)
	if err != nil {
		return r.q.fail("failed to create escrow", err)
	}
	return nil
}

func (r *sqlEscrowRepo) getEscrow(ctx context.Context, id, lock string) (*entities.Escrow, error) {
	row := r.q.queryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = ?`+lock, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrEscrowNotFound
	}
	if err != nil {
		return nil, r.q.fail("failed to get escrow", err)
	}
	return e, nil
}

// GetEscrow retrieves an escrow by id
func (r *sqlEscrowRepo) GetEscrow(ctx context.Context, id string) (*entities.Escrow, error) {
	return r.getEscrow(ctx, id, "")
}

// GetEscrowForUpdate retrieves an escrow and locks its row until the unit ends
func (r *sqlEscrowRepo) GetEscrowForUpdate(ctx context.Context, id string) (*entities.Escrow, error) {
	return r.getEscrow(ctx, id, r.q.dialect.forUpdate())
}

// UpdateEscrow writes an escrow guarded by its version
func (r *sqlEscrowRepo) UpdateEscrow(ctx context.Context, e *entities.Escrow) error {
	result, err := r.q.exec(ctx, `
		UPDATE escrows
		SET status = ?, auto_release = ?, auto_release_after = ?, facilitator_fee = ?,
			funded_at = ?, delivered_at = ?, inspection_ends_at = ?, released_at = ?,
			refunded_at = ?, cancelled_at = ?, expires_at = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		string(e.Status), e.AutoRelease, e.AutoReleaseAfter, e.FacilitatorFee,
		nullableNanos(e.FundedAt), nullableNanos(e.DeliveredAt), nullableNanos(e.InspectionEndsAt),
		nullableNanos(e.ReleasedAt), nullableNanos(e.RefundedAt), nullableNanos(e.CancelledAt),
		nullableNanos(e.ExpiresAt), toNanos(e.UpdatedAt), e.ID, e.Version)
	if err != nil {
		return r.q.fail("failed to update escrow", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return r.q.fail("failed to update escrow", err)
	}
	if rows == 0 {
		var exists int
		err := r.q.queryRow(ctx, `SELECT 1 FROM escrows WHERE id = ?`, e.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return escrow.ErrEscrowNotFound
		}
		return conflictError("escrow "+e.ID+" was modified concurrently", nil)
	}

	e.Version++
	return nil
}

func (r *sqlEscrowRepo) listEscrows(ctx context.Context, where string, limit int, args ...interface{}) ([]*entities.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE ` + where + ` ORDER BY created_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.q.query(ctx, query, args...)
	if err != nil {
		return nil, r.q.fail("failed to list escrows", err)
	}
	defer rows.Close()

	var escrows []*entities.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, r.q.fail("failed to scan escrow", err)
		}
		escrows = append(escrows, e)
	}
	if err := rows.Err(); err != nil {
		return nil, r.q.fail("failed to list escrows", err)
	}
	return escrows, nil
}

// ListExpired returns pre-delivery escrows past their expiry
func (r *sqlEscrowRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*entities.Escrow, error) {
	return r.listEscrows(ctx,
		`status IN (?, ?, ?) AND expires_at IS NOT NULL AND expires_at <= ?`, limit,
		string(entities.EscrowStatusCreated), string(entities.EscrowStatusFunded),
		string(entities.EscrowStatusPendingDelivery), toNanos(now))
}

// ListByStatus returns escrows in a status, oldest first
func (r *sqlEscrowRepo) ListByStatus(ctx context.Context, status entities.EscrowStatus, limit int) ([]*entities.Escrow, error) {
	return r.listEscrows(ctx, `status = ?`, limit, string(status))
}

// ListInspectionElapsed returns auto-releasable escrows whose inspection window ended
func (r *sqlEscrowRepo) ListInspectionElapsed(ctx context.Context, now time.Time, limit int) ([]*entities.Escrow, error) {
	return r.listEscrows(ctx,
		`status = ? AND auto_release = ? AND inspection_ends_at IS NOT NULL AND inspection_ends_at <= ?`, limit,
		string(entities.EscrowStatusInspection), true, toNanos(now))
}

// AppendMilestone appends to an escrow's audit log
func (r *sqlEscrowRepo) AppendMilestone(ctx context.Context, m *entities.EscrowMilestone) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := r.q.exec(ctx, `
		INSERT INTO escrow_milestones (id, escrow_id, milestone, status, description, actor_type, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.EscrowID, string(m.Milestone), string(m.Status), m.Description,
		string(m.ActorType), m.ActorID, toNanos(m.CreatedAt))
	if err != nil {
		return r.q.fail("failed to append milestone", err)
	}
	return nil
}

// ListMilestones returns an escrow's audit log in append order
func (r *sqlEscrowRepo) ListMilestones(ctx context.Context, escrowID string) ([]*entities.EscrowMilestone, error) {
	rows, err := r.q.query(ctx, `
		SELECT id, escrow_id, milestone, status, description, actor_type, actor_id, created_at
		FROM escrow_milestones WHERE escrow_id = ? ORDER BY seq ASC`, escrowID)
	if err != nil {
		return nil, r.q.fail("failed to list milestones", err)
	}
	defer rows.Close()

	var milestones []*entities.EscrowMilestone
	for rows.Next() {
		var (
			m                            entities.EscrowMilestone
			milestone, status, actorType string
			createdAt                    int64
		)
		if err := rows.Scan(&m.ID, &m.EscrowID, &milestone, &status, &m.Description,
			&actorType, &m.ActorID, &createdAt); err != nil {
			return nil, r.q.fail("failed to scan milestone", err)
		}
		m.Milestone = entities.Milestone(milestone)
		m.Status = entities.EscrowStatus(status)
		m.ActorType = entities.ActorType(actorType)
		m.CreatedAt = fromNanos(createdAt)
		milestones = append(milestones, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, r.q.fail("failed to list milestones", err)
	}
	return milestones, nil
}

const disputeColumns = `id, escrow_id, initiator_id, respondent_id, reason, description, status,
	response_deadline, resolution, refund_amount, refund_xcoin_amount, resolved_by, resolved_at,
	resolution_notes, created_at, updated_at`

func scanDispute(row rowScanner) (*entities.Dispute, error) {
	var (
		d                                      entities.Dispute
		reason, status, resolution             string
		responseDeadline, createdAt, updatedAt int64
		resolvedAt                             sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.EscrowID, &d.InitiatorID, &d.RespondentID, &reason, &d.Description, &status,
		&responseDeadline, &resolution, &d.RefundAmount, &d.RefundXcoinAmount, &d.ResolvedBy, &resolvedAt,
		&d.ResolutionNotes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.Reason = entities.DisputeReason(reason)
	d.Status = entities.DisputeStatus(status)
	d.Resolution = entities.DisputeResolution(resolution)
	d.ResponseDeadline = fromNanos(responseDeadline)
	d.ResolvedAt = timePtr(resolvedAt)
	d.CreatedAt = fromNanos(createdAt)
	d.UpdatedAt = fromNanos(updatedAt)
	return &d, nil
}

// CreateDispute inserts a dispute. The open-dispute unique index turns a racing
// second dispute into a conflict.
func (r *sqlEscrowRepo) CreateDispute(ctx context.Context, d *entities.Dispute) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}

	_, err := r.q.exec(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.EscrowID, d.InitiatorID, d.RespondentID, string(d.Reason), d.Description, string(d.Status),
		toNanos(d.ResponseDeadline), string(d.Resolution), d.RefundAmount, d.RefundXcoinAmount, d.ResolvedBy,
		nullableNanos(d.ResolvedAt), d.ResolutionNotes, toNanos(d.CreatedAt), toNanos(d.UpdatedAt))
	if err != nil {
		return r.q.fail("failed to create dispute", err)
	}
	return nil
}

// GetDispute retrieves a dispute by id
func (r *sqlEscrowRepo) GetDispute(ctx context.Context, id string) (*entities.Dispute, error) {
	d, err := scanDispute(r.q.queryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrDisputeNotFound
	}
	if err != nil {
		return nil, r.q.fail("failed to get dispute", err)
	}
	return d, nil
}

// GetOpenDispute returns the open dispute of an escrow
func (r *sqlEscrowRepo) GetOpenDispute(ctx context.Context, escrowID string) (*entities.Dispute, error) {
	d, err := scanDispute(r.q.queryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE escrow_id = ? AND status = ?`,
		escrowID, string(entities.DisputeStatusOpen)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrDisputeNotFound
	}
	if err != nil {
		return nil, r.q.fail("failed to get open dispute", err)
	}
	return d, nil
}

// UpdateDispute writes a dispute
func (r *sqlEscrowRepo) UpdateDispute(ctx context.Context, d *entities.Dispute) error {
	result, err := r.q.exec(ctx, `
		UPDATE disputes
		SET status = ?, resolution = ?, refund_amount = ?, refund_xcoin_amount = ?, resolved_by = ?,
			resolved_at = ?, resolution_notes = ?, updated_at = ?
		WHERE id = ?`,
		string(d.Status), string(d.Resolution), d.RefundAmount, d.RefundXcoinAmount, d.ResolvedBy,
		nullableNanos(d.ResolvedAt), d.ResolutionNotes, toNanos(d.UpdatedAt), d.ID)
	if err != nil {
		return r.q.fail("failed to update dispute", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return r.q.fail("failed to update dispute", err)
	}
	if rows == 0 {
		return escrow.ErrDisputeNotFound
	}
	return nil
}

// AddDisputeMessage appends to a dispute thread
func (r *sqlEscrowRepo) AddDisputeMessage(ctx context.Context, m *entities.DisputeMessage) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	attachments := m.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	encoded, err := json.Marshal(attachments)
	if err != nil {
		return r.q.fail("failed to encode attachments", err)
	}

	_, err = r.q.exec(ctx, `
		INSERT INTO dispute_messages (id, dispute_id, sender_id, sender_role, message, attachments, is_internal, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.DisputeID, m.SenderID, string(m.SenderRole), m.Message, string(encoded),
		m.IsInternal, toNanos(m.CreatedAt))
	if err != nil {
		return r.q.fail("failed to add dispute message", err)
	}
	return nil
}

// ListDisputeMessages returns a dispute thread in append order
func (r *sqlEscrowRepo) ListDisputeMessages(ctx context.Context, disputeID string) ([]*entities.DisputeMessage, error) {
	rows, err := r.q.query(ctx, `
		SELECT id, dispute_id, sender_id, sender_role, message, attachments, is_internal, created_at
		FROM dispute_messages WHERE dispute_id = ? ORDER BY seq ASC`, disputeID)
	if err != nil {
		return nil, r.q.fail("failed to list dispute messages", err)
	}
	defer rows.Close()

	var messages []*entities.DisputeMessage
	for rows.Next() {
		var (
			m                 entities.DisputeMessage
			role, attachments string
			createdAt         int64
		)
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.SenderID, &role, &m.Message, &attachments,
			&m.IsInternal, &createdAt); err != nil {
			return nil, r.q.fail("failed to scan dispute message", err)
		}
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, r.q.fail("failed to decode attachments", err)
		}
		m.SenderRole = entities.SenderRole(role)
		m.CreatedAt = fromNanos(createdAt)
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, r.q.fail("failed to list dispute messages", err)
	}
	return messages, nil
}

package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakearena/fairness-engine/internal/models"
)

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

const escrowColumns = `id, event_type, event_id, total_amount_nano, platform_fee_bps,
	deposit_address, status, current_proposal_id, dispute_id,
	paused_at, pause_reason, settled_at, created_at, expires_at`

func scanEscrow(row pgx.Row) (*models.Escrow, error) {
	var e models.Escrow
	err := row.Scan(&e.ID, &e.EventType, &e.EventID, &e.TotalAmountNano, &e.PlatformFeeBPS,
		&e.DepositAddress, &e.Status, &e.CurrentProposalID, &e.DisputeID,
		&e.PausedAt, &e.PauseReason, &e.SettledAt, &e.CreatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Create inserts the escrow and its participant rows in one transaction.
func (r *EscrowRepo) Create(ctx context.Context, e *models.Escrow, participants []models.Participant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO escrows (event_type, event_id, total_amount_nano, platform_fee_bps,
			deposit_address, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, e.EventType, e.EventID, e.TotalAmountNano, e.PlatformFeeBPS,
		e.DepositAddress, e.Status, e.ExpiresAt).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return err
	}

	for i := range participants {
		p := &participants[i]
		p.EscrowID = e.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO escrow_participants (escrow_id, player_id, wallet_address,
				required_amount_nano, deposit_status, deposit_memo)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, p.EscrowID, p.PlayerID, p.WalletAddress,
			p.RequiredAmountNano, p.DepositStatus, p.DepositMemo).Scan(&p.ID)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *EscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	return scanEscrow(r.pool.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
}

func (r *EscrowRepo) GetParticipants(ctx context.Context, escrowID uuid.UUID) ([]models.Participant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, escrow_id, player_id, wallet_address, required_amount_nano,
		       deposit_status, deposit_memo, deposit_tx_ref, deposited_at
		FROM escrow_participants WHERE escrow_id = $1 ORDER BY id
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.EscrowID, &p.PlayerID, &p.WalletAddress, &p.RequiredAmountNano,
			&p.DepositStatus, &p.DepositMemo, &p.DepositTxRef, &p.DepositedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *EscrowRepo) GetParticipantByMemo(ctx context.Context, memo string) (*models.Participant, error) {
	var p models.Participant
	err := r.pool.QueryRow(ctx, `
		SELECT id, escrow_id, player_id, wallet_address, required_amount_nano,
		       deposit_status, deposit_memo, deposit_tx_ref, deposited_at
		FROM escrow_participants WHERE deposit_memo = $1
	`, memo).Scan(&p.ID, &p.EscrowID, &p.PlayerID, &p.WalletAddress, &p.RequiredAmountNano,
		&p.DepositStatus, &p.DepositMemo, &p.DepositTxRef, &p.DepositedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkDeposit completes a participant deposit. The status predicate makes
// the write race-safe: a second deposit for the same participant affects
// zero rows.
func (r *EscrowRepo) MarkDeposit(ctx context.Context, participantID uuid.UUID, txRef string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_participants
		SET deposit_status = 'completed', deposit_tx_ref = $1, deposited_at = now()
		WHERE id = $2 AND deposit_status = 'pending'
	`, txRef, participantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *EscrowRepo) CountPendingDeposits(ctx context.Context, escrowID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM escrow_participants
		WHERE escrow_id = $1 AND deposit_status = 'pending'
	`, escrowID).Scan(&n)
	return n, err
}

// UpdateStatus performs a guarded transition: the row only changes when it
// is still in the expected status and not paused. Returns false when the
// guard rejected the write.
func (r *EscrowRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrows SET status = $1 WHERE id = $2 AND status = $3 AND paused_at IS NULL
	`, to, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *EscrowRepo) SetCurrentProposal(ctx context.Context, id, proposalID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE escrows SET current_proposal_id = $1 WHERE id = $2`, proposalID, id)
	return err
}

func (r *EscrowRepo) SetDispute(ctx context.Context, id, disputeID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE escrows SET dispute_id = $1 WHERE id = $2`, disputeID, id)
	return err
}

// MarkSettled stamps the terminal settled status. Guarded on
// ready_to_settle so a concurrent dispute wins the race.
func (r *EscrowRepo) MarkSettled(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrows SET status = 'settled', settled_at = now()
		WHERE id = $1 AND status = 'ready_to_settle' AND paused_at IS NULL
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Pause freezes the escrow; transitions check paused_at IS NULL.
func (r *EscrowRepo) Pause(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrows SET paused_at = now(), pause_reason = $1
		WHERE id = $2 AND paused_at IS NULL AND status NOT IN ('settled', 'cancelled')
	`, reason, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *EscrowRepo) Resume(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrows SET paused_at = NULL, pause_reason = NULL
		WHERE id = $1 AND paused_at IS NOT NULL
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListExpiredPending returns escrows still collecting deposits past their
// expiry, for the maintenance refund sweep.
func (r *EscrowRepo) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'pending_deposits' AND expires_at < $1 AND paused_at IS NULL
		ORDER BY expires_at LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *EscrowRepo) ListByStatus(ctx context.Context, status string, limit int) ([]models.Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// RecordPayout persists one transfer attempt. The unique index on
// (proposal_id, participant_id, reason) with status 'sent' is the durable
// at-most-once marker; a duplicate insert reports conflict=true. Refund
// rows carry uuid.Nil as proposal_id (participant ids are globally unique,
// so the marker still holds one row per participant and reason).
func (r *EscrowRepo) RecordPayout(ctx context.Context, p *models.PayoutResult) (conflict bool, err error) {
	err = r.pool.QueryRow(ctx, `
		INSERT INTO payout_results (proposal_id, participant_id, reason, amount_nano, status, tx_ref, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (proposal_id, participant_id, reason) DO NOTHING
		RETURNING id, created_at
	`, p.ProposalID, p.ParticipantID, p.Reason, p.AmountNano, p.Status, p.TxRef, p.Error).
		Scan(&p.ID, &p.CreatedAt)
	if isNoRows(err) {
		return true, nil
	}
	return false, err
}

func (r *EscrowRepo) GetPayouts(ctx context.Context, proposalID uuid.UUID) ([]models.PayoutResult, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, proposal_id, participant_id, reason, amount_nano, status, tx_ref, error, created_at
		FROM payout_results WHERE proposal_id = $1 ORDER BY created_at
	`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PayoutResult
	for rows.Next() {
		var p models.PayoutResult
		if err := rows.Scan(&p.ID, &p.ProposalID, &p.ParticipantID, &p.Reason, &p.AmountNano,
			&p.Status, &p.TxRef, &p.Error, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPayoutSent stamps the chain reference after the transfer succeeded.
func (r *EscrowRepo) MarkPayoutSent(ctx context.Context, proposalID, participantID uuid.UUID, reason, txRef string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payout_results SET status = 'sent', tx_ref = $1, error = NULL
		WHERE proposal_id = $2 AND participant_id = $3 AND reason = $4
	`, txRef, proposalID, participantID, reason)
	return err
}

// MarkPayoutFailed downgrades a claimed row whose transfer did not go
// through, so a later retry can delete and re-attempt it.
func (r *EscrowRepo) MarkPayoutFailed(ctx context.Context, proposalID, participantID uuid.UUID, reason, cause string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payout_results SET status = 'failed', error = $1
		WHERE proposal_id = $2 AND participant_id = $3 AND reason = $4 AND tx_ref IS NULL
	`, cause, proposalID, participantID, reason)
	return err
}

// DeleteFailedPayout clears a failed attempt row so a retry can insert a
// fresh one; 'sent' rows are never deleted.
func (r *EscrowRepo) DeleteFailedPayout(ctx context.Context, proposalID, participantID uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM payout_results
		WHERE proposal_id = $1 AND participant_id = $2 AND reason = $3 AND status = 'failed'
	`, proposalID, participantID, reason)
	return err
}

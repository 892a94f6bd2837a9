package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"oppcast/internal/model"
)

// TryClaim inserts a claim for (opportunity, destination) if none exists.
// It reports true only for the call that performed the insert; the primary
// key makes this atomic across concurrent callers.
func (s *Store) TryClaim(ctx context.Context, opportunityID string, dest model.DestinationID) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO delivery_ledger(opportunity_id, destination_key, state, claimed_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(opportunity_id, destination_key) DO NOTHING`),
		opportunityID, dest.Key(), claimStateClaimed, formatTime(s.now()),
	)
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", opportunityID, dest.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", opportunityID, dest.Key(), err)
	}
	return n == 1, nil
}

// ConfirmClaim records a successful send for a held claim.
func (s *Store) ConfirmClaim(ctx context.Context, opportunityID string, dest model.DestinationID) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE delivery_ledger SET state = ?, sent_at = ?
		 WHERE opportunity_id = ? AND destination_key = ? AND state = ?`),
		claimStateSent, formatTime(s.now()), opportunityID, dest.Key(), claimStateClaimed,
	)
	if err != nil {
		return fmt.Errorf("confirm %s/%s: %w", opportunityID, dest.Key(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("confirm %s/%s: %w", opportunityID, dest.Key(), ErrClaimLost)
	}
	return nil
}

// Unclaim releases a claim whose send failed. Confirmed deliveries are kept.
func (s *Store) Unclaim(ctx context.Context, opportunityID string, dest model.DestinationID) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM delivery_ledger WHERE opportunity_id = ? AND destination_key = ? AND state = ?`),
		opportunityID, dest.Key(), claimStateClaimed,
	)
	if err != nil {
		return fmt.Errorf("unclaim %s/%s: %w", opportunityID, dest.Key(), err)
	}
	return nil
}

// ReconcileClaims drops claims left without a confirmed send (crash leftovers).
// Run it before any trigger source starts.
func (s *Store) ReconcileClaims(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM delivery_ledger WHERE state = ?`), claimStateClaimed)
	if err != nil {
		return 0, fmt.Errorf("reconcile claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// IsDelivered reports whether a confirmed delivery exists for the pair.
func (s *Store) IsDelivered(ctx context.Context, opportunityID string, dest model.DestinationID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT 1 FROM delivery_ledger WHERE opportunity_id = ? AND destination_key = ? AND state = ?`),
		opportunityID, dest.Key(), claimStateSent,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup delivery %s/%s: %w", opportunityID, dest.Key(), err)
	}
	return true, nil
}

// CountDeliveries returns the number of confirmed deliveries for an opportunity.
func (s *Store) CountDeliveries(ctx context.Context, opportunityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM delivery_ledger WHERE opportunity_id = ? AND state = ?`),
		opportunityID, claimStateSent,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deliveries %s: %w", opportunityID, err)
	}
	return n, nil
}

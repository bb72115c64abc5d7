package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"WaterfallLedger/internal/agreement"
	"WaterfallLedger/internal/observability"
)

// AgreementStore keeps agreements in Postgres. The aggregate lives in a
// JSONB snapshot guarded by a version column; its legs go to the
// append-only waterfall.transactions table.
type AgreementStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

var _ agreement.Repository = (*AgreementStore)(nil)

func NewAgreementStore(db *sql.DB, metrics *observability.Metrics) *AgreementStore {
	return &AgreementStore{db: db, metrics: metrics}
}

// snapshot encodes the aggregate without its legs.
func snapshot(a *agreement.FinancingAgreement) ([]byte, error) {
	c := *a
	c.Transactions = nil
	return json.Marshal(&c)
}

func (s *AgreementStore) Create(ctx context.Context, a *agreement.FinancingAgreement) (err error) {
	start := time.Now()
	defer func() { s.metrics.ObservePersist("create", time.Since(start), err) }()

	a.Version = 1
	body, err := snapshot(a)
	if err != nil {
		return fmt.Errorf("encode agreement: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO waterfall.agreements
			(id, status, version, principal_drops, recovered_drops, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, string(a.Status), a.Version, int64(a.Recovery.Principal), int64(a.Recovery.Recovered),
		body, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", agreement.ErrAlreadyExists, a.ID)
		}
		return fmt.Errorf("insert agreement: %w", err)
	}
	if err := insertLegs(ctx, tx, a.ID, 0, a.Transactions); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *AgreementStore) Get(ctx context.Context, id uuid.UUID) (a *agreement.FinancingAgreement, err error) {
	start := time.Now()
	defer func() { s.metrics.ObservePersist("get", time.Since(start), err) }()

	var body []byte
	var version int64
	err = s.db.QueryRowContext(ctx,
		`SELECT snapshot, version FROM waterfall.agreements WHERE id = $1`, id,
	).Scan(&body, &version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", agreement.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load agreement: %w", err)
	}

	a = new(agreement.FinancingAgreement)
	if err := json.Unmarshal(body, a); err != nil {
		return nil, fmt.Errorf("decode agreement %s: %w", id, err)
	}
	a.Version = version

	legs, err := s.loadLegs(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	a.Transactions = legs[id]
	return a, nil
}

func (s *AgreementStore) List(ctx context.Context, filter agreement.ListFilter) (out []*agreement.FinancingAgreement, err error) {
	start := time.Now()
	defer func() { s.metrics.ObservePersist("list", time.Since(start), err) }()

	query := `SELECT snapshot, version FROM waterfall.agreements`
	var args []interface{}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(statuses))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var body []byte
		var version int64
		if err := rows.Scan(&body, &version); err != nil {
			return nil, err
		}
		a := new(agreement.FinancingAgreement)
		if err := json.Unmarshal(body, a); err != nil {
			return nil, fmt.Errorf("decode agreement: %w", err)
		}
		a.Version = version
		out = append(out, a)
		ids = append(ids, a.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	legs, err := s.loadLegs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, a := range out {
		a.Transactions = legs[a.ID]
	}
	return out, nil
}

// Save writes a.Version+1 if the stored version still equals a.Version, and
// appends legs beyond those already stored.
func (s *AgreementStore) Save(ctx context.Context, a *agreement.FinancingAgreement) (err error) {
	start := time.Now()
	defer func() { s.metrics.ObservePersist("save", time.Since(start), err) }()

	body, err := snapshot(a)
	if err != nil {
		return fmt.Errorf("encode agreement: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE waterfall.agreements
		SET status = $3, version = version + 1, recovered_drops = $4, snapshot = $5, updated_at = $6
		WHERE id = $1 AND version = $2`,
		a.ID, a.Version, string(a.Status), int64(a.Recovery.Recovered), body, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update agreement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM waterfall.agreements WHERE id = $1)`, a.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", agreement.ErrNotFound, a.ID)
		}
		return fmt.Errorf("%w: %s at version %d", agreement.ErrVersionConflict, a.ID, a.Version)
	}

	var stored int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM waterfall.transactions WHERE agreement_id = $1`, a.ID,
	).Scan(&stored); err != nil {
		return fmt.Errorf("count legs: %w", err)
	}
	if stored > len(a.Transactions) {
		return fmt.Errorf("%w: %s has %d stored legs, snapshot has %d",
			agreement.ErrVersionConflict, a.ID, stored, len(a.Transactions))
	}
	if err := insertLegs(ctx, tx, a.ID, stored, a.Transactions[stored:]); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	a.Version++
	return nil
}

// insertLegs writes legs with sequence numbers starting at first using one
// multi-row INSERT. Replays are ignored.
func insertLegs(ctx context.Context, tx *sql.Tx, agreementID uuid.UUID, first int, legs []agreement.WaterfallTransaction) error {
	if len(legs) == 0 {
		return nil
	}

	const cols = 12
	values := make([]string, 0, len(legs))
	args := make([]interface{}, 0, len(legs)*cols)
	for i, l := range legs {
		payload, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode leg %s: %w", l.ID, err)
		}
		var hash *string
		if l.Hash != "" {
			h := l.Hash
			hash = &h
		}
		base := i * cols
		placeholders := make([]string, cols)
		for c := range placeholders {
			placeholders[c] = fmt.Sprintf("$%d", base+c+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			l.ID, agreementID, first+i, l.EventID, string(l.Type),
			l.From, l.To, int64(l.Amount), string(l.Status), hash, l.Synthetic, payload,
		)
	}

	query := `INSERT INTO waterfall.transactions
		(id, agreement_id, seq, event_id, tx_type, from_address, to_address, amount_drops, status, hash, synthetic, payload)
		VALUES ` + strings.Join(values, ", ") + ` ON CONFLICT (id) DO NOTHING`

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert legs: %w", err)
	}
	return nil
}

func (s *AgreementStore) loadLegs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]agreement.WaterfallTransaction, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT agreement_id, payload FROM waterfall.transactions
		WHERE agreement_id = ANY($1::uuid[])
		ORDER BY agreement_id, seq`,
		pq.Array(keys),
	)
	if err != nil {
		return nil, fmt.Errorf("load legs: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]agreement.WaterfallTransaction, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var leg agreement.WaterfallTransaction
		if err := json.Unmarshal(payload, &leg); err != nil {
			return nil, fmt.Errorf("decode leg of %s: %w", id, err)
		}
		out[id] = append(out[id], leg)
	}
	return out, rows.Err()
}

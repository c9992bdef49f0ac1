package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/martingale/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Settlement of one instrument runs inside a single transaction.
type PostgresStore struct {
	pool         *pgxpool.Pool
	historyDepth int
}

// NewPostgresStore creates a new PostgreSQL-backed store keeping at most
// historyDepth price points per instrument.
func NewPostgresStore(pool *pgxpool.Pool, historyDepth int) *PostgresStore {
	if historyDepth < 1 {
		historyDepth = 1
	}
	return &PostgresStore{pool: pool, historyDepth: historyDepth}
}

const instrumentColumns = `symbol, initial_price::TEXT, current_price::TEXT,
	volatility::TEXT, drift::TEXT, created_at, expires_at, active,
	final_price::TEXT, settled_at`

func scanInstrument(row pgx.Row) (*model.Instrument, error) {
	var inst model.Instrument
	var initial, current, vol, drift string
	var final *string

	if err := row.Scan(&inst.Symbol, &initial, &current, &vol, &drift,
		&inst.CreatedAt, &inst.ExpiresAt, &inst.Active, &final, &inst.SettledAt); err != nil {
		return nil, err
	}

	inst.InitialPrice, _ = decimal.NewFromString(initial)
	inst.CurrentPrice, _ = decimal.NewFromString(current)
	inst.Volatility, _ = decimal.NewFromString(vol)
	inst.Drift, _ = decimal.NewFromString(drift)
	if final != nil {
		fp, _ := decimal.NewFromString(*final)
		inst.FinalPrice = &fp
	}
	return &inst, nil
}

func (s *PostgresStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var active bool
	err = tx.QueryRow(ctx,
		`SELECT active FROM instruments WHERE symbol = $1 FOR UPDATE`, inst.Symbol).Scan(&active)
	switch {
	case err == nil && active:
		return ErrAlreadyExists
	case err == nil:
		// Symbol reuse after expiry: the settled row and its history make
		// way for the replacement.
		if _, err := tx.Exec(ctx, `DELETE FROM price_history WHERE symbol = $1`, inst.Symbol); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM instruments WHERE symbol = $1`, inst.Symbol); err != nil {
			return err
		}
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO instruments (symbol, initial_price, current_price, volatility, drift,
		                          created_at, expires_at, active)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		inst.Symbol, inst.InitialPrice.String(), inst.CurrentPrice.String(),
		inst.Volatility.String(), inst.Drift.String(),
		inst.CreatedAt, inst.ExpiresAt, inst.Active,
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO price_history (symbol, ts, price) VALUES ($1, $2, $3::NUMERIC)`,
		inst.Symbol, inst.CreatedAt, inst.CurrentPrice.String(),
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error) {
	inst, err := scanInstrument(s.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE symbol = $1`, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", symbol, err)
	}
	return inst, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context, activeOnly bool) ([]model.Instrument, error) {
	query := `SELECT ` + instrumentColumns + ` FROM instruments ORDER BY created_at`
	if activeOnly {
		query = `SELECT ` + instrumentColumns + ` FROM instruments WHERE active ORDER BY created_at`
	}

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateInstrumentPrice(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE instruments SET current_price = $2::NUMERIC WHERE symbol = $1 AND active`,
		symbol, price.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Missing or already settled: either way the tick is dropped.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM instruments WHERE symbol = $1)`, symbol).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO price_history (symbol, ts, price) VALUES ($1, $2, $3::NUMERIC)`,
		symbol, at, price.String()); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM price_history
		 WHERE symbol = $1 AND id NOT IN (
		     SELECT id FROM price_history WHERE symbol = $1 ORDER BY ts DESC LIMIT $2)`,
		symbol, s.historyDepth); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) PriceHistory(ctx context.Context, symbol string, limit int) ([]model.PricePoint, error) {
	if limit <= 0 || limit > s.historyDepth {
		limit = s.historyDepth
	}
	rows, err := s.pool.Query(ctx,
		`SELECT ts, price::TEXT FROM (
		     SELECT ts, price FROM price_history WHERE symbol = $1 ORDER BY ts DESC LIMIT $2
		 ) recent ORDER BY ts`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var priceS string
		if err := rows.Scan(&p.Time, &priceS); err != nil {
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(priceS)
		out = append(out, p)
	}
	if len(out) == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM instruments WHERE symbol = $1)`, symbol).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) PurgeInstrumentsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM price_history WHERE symbol IN (
		     SELECT symbol FROM instruments WHERE NOT active AND settled_at < $1)`,
		cutoff); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx,
		`DELETE FROM instruments WHERE NOT active AND settled_at < $1 RETURNING symbol`, cutoff)
	if err != nil {
		return nil, err
	}
	var purged []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			rows.Close()
			return nil, err
		}
		purged = append(purged, symbol)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return purged, nil
}

func (s *PostgresStore) EnsureAccount(ctx context.Context, id string, initialCash decimal.Decimal) (*model.Account, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, cash, created_at) VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (id) DO NOTHING`,
		id, initialCash.String(), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, id)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var acct model.Account
	var cash string
	err := s.pool.QueryRow(ctx,
		`SELECT id, cash::TEXT, created_at FROM accounts WHERE id = $1`, id).
		Scan(&acct.ID, &cash, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	acct.Cash, _ = decimal.NewFromString(cash)
	return &acct, nil
}

const positionColumns = `account_id, symbol, quantity::TEXT, cost_basis::TEXT, realized_pnl::TEXT, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var qty, basis, realized string
	if err := row.Scan(&p.AccountID, &p.Symbol, &qty, &basis, &realized, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Quantity, _ = decimal.NewFromString(qty)
	p.CostBasis, _ = decimal.NewFromString(basis)
	p.RealizedPnL, _ = decimal.NewFromString(realized)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	pos, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account_id = $1 AND symbol = $2`,
		accountID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Position{
			AccountID: accountID,
			Symbol:    symbol,
			Quantity:  decimal.Zero,
			CostBasis: decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return pos, nil
}

func (s *PostgresStore) ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

func (s *PostgresStore) ListHolders(ctx context.Context, symbol string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE symbol = $1 AND quantity > 0`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0)::TEXT FROM positions WHERE symbol = $1`, symbol).
		Scan(&totalS)
	if err != nil {
		return decimal.Zero, err
	}
	total, _ := decimal.NewFromString(totalS)
	return total, nil
}

func (s *PostgresStore) ApplyTrade(ctx context.Context, m TradeMutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var active bool
	err = tx.QueryRow(ctx,
		`SELECT active FROM instruments WHERE symbol = $1 FOR UPDATE`, m.Symbol).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !active {
		return ErrInstrumentInactive
	}

	tag, err := tx.Exec(ctx,
		`UPDATE accounts SET cash = cash + $2::NUMERIC
		 WHERE id = $1 AND cash + $2::NUMERIC >= 0`,
		m.AccountID, m.CashDelta.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, m.AccountID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInsufficientCash
	}

	pos, err := scanPosition(tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE account_id = $1 AND symbol = $2 FOR UPDATE`,
		m.AccountID, m.Symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		pos = &model.Position{Quantity: decimal.Zero, CostBasis: decimal.Zero}
		if m.QuantityDelta.IsNegative() {
			return ErrInsufficientHoldings
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (account_id, symbol, quantity, cost_basis, realized_pnl, updated_at)
			 VALUES ($1, $2, 0, 0, 0, $3)`,
			m.AccountID, m.Symbol, m.Entry.Timestamp)
	}
	if err != nil {
		return err
	}

	newQty := pos.Quantity.Add(m.QuantityDelta)
	if newQty.IsNegative() {
		return ErrInsufficientHoldings
	}
	newBasis := pos.CostBasis.Add(m.CostBasisDelta)
	if newQty.IsZero() || newBasis.IsNegative() {
		newBasis = decimal.Zero
	}
	newRealized := pos.RealizedPnL.Add(m.RealizedPnLDelta)

	if _, err := tx.Exec(ctx,
		`UPDATE positions
		 SET quantity = $3::NUMERIC, cost_basis = $4::NUMERIC, realized_pnl = $5::NUMERIC, updated_at = $6
		 WHERE account_id = $1 AND symbol = $2`,
		m.AccountID, m.Symbol,
		newQty.String(), newBasis.String(), newRealized.String(), m.Entry.Timestamp); err != nil {
		return err
	}

	if err := insertLedgerEntry(ctx, tx, &m.Entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, symbol, type, quantity, price, total_value, ts)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		e.ID, e.AccountID, e.Symbol, e.Type,
		e.Quantity.String(), e.Price.String(), e.TotalValue.String(), e.Timestamp)
	return err
}

// SettleInstrument runs the whole settlement of one instrument in a single
// transaction: either every holder is credited and the instrument marked
// inactive, or nothing is visible.
func (s *PostgresStore) SettleInstrument(ctx context.Context, symbol string, finalPrice decimal.Decimal, at time.Time) (*model.SettlementStats, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var active bool
	var currentS string
	err = tx.QueryRow(ctx,
		`SELECT active, current_price::TEXT FROM instruments WHERE symbol = $1 FOR UPDATE`,
		symbol).Scan(&active, &currentS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	stats := &model.SettlementStats{Symbol: symbol, FinalPrice: finalPrice, TotalValue: decimal.Zero}
	if !active {
		stats.FinalPrice, _ = decimal.NewFromString(currentS)
		return stats, tx.Commit(ctx)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE symbol = $1 AND quantity > 0 FOR UPDATE`, symbol)
	if err != nil {
		return nil, err
	}
	holders, err := collectPositions(rows)
	if err != nil {
		return nil, err
	}

	for _, pos := range holders {
		value := pos.Quantity.Mul(finalPrice)

		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET cash = cash + $2::NUMERIC WHERE id = $1`,
			pos.AccountID, value.String()); err != nil {
			return nil, err
		}

		realized := pos.RealizedPnL.Add(value.Sub(pos.CostBasis))
		if _, err := tx.Exec(ctx,
			`UPDATE positions SET quantity = 0, cost_basis = 0, realized_pnl = $3::NUMERIC, updated_at = $4
			 WHERE account_id = $1 AND symbol = $2`,
			pos.AccountID, symbol, realized.String(), at); err != nil {
			return nil, err
		}

		rec := model.SettlementRecord{
			ID:              uuid.New().String(),
			AccountID:       pos.AccountID,
			Symbol:          symbol,
			Quantity:        pos.Quantity,
			SettlementPrice: finalPrice,
			SettlementValue: value,
			Timestamp:       at,
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO settlements (id, account_id, symbol, quantity, settlement_price, settlement_value, ts)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
			rec.ID, rec.AccountID, rec.Symbol,
			rec.Quantity.String(), rec.SettlementPrice.String(), rec.SettlementValue.String(),
			rec.Timestamp); err != nil {
			return nil, err
		}
		if err := insertLedgerEntry(ctx, tx, &model.LedgerEntry{
			ID:         uuid.New().String(),
			AccountID:  pos.AccountID,
			Symbol:     symbol,
			Type:       model.TypeSettlement,
			Quantity:   pos.Quantity,
			Price:      finalPrice,
			TotalValue: value,
			Timestamp:  at,
		}); err != nil {
			return nil, err
		}

		stats.PositionsSettled++
		stats.TotalValue = stats.TotalValue.Add(value)
		stats.Records = append(stats.Records, rec)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE instruments
		 SET active = FALSE, current_price = $2::NUMERIC, final_price = $2::NUMERIC, settled_at = $3
		 WHERE symbol = $1`,
		symbol, finalPrice.String(), at); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *PostgresStore) ListLedger(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, symbol, type, quantity::TEXT, price::TEXT, total_value::TEXT, ts
		 FROM (
		     SELECT * FROM ledger_entries WHERE account_id = $1 ORDER BY ts DESC LIMIT $2
		 ) recent ORDER BY ts`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var qty, price, total string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Symbol, &e.Type,
			&qty, &price, &total, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Quantity, _ = decimal.NewFromString(qty)
		e.Price, _ = decimal.NewFromString(price)
		e.TotalValue, _ = decimal.NewFromString(total)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSettlements(ctx context.Context, accountID string) ([]model.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, symbol, quantity::TEXT, settlement_price::TEXT, settlement_value::TEXT, ts
		 FROM settlements WHERE account_id = $1 ORDER BY ts`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SettlementRecord
	for rows.Next() {
		var r model.SettlementRecord
		var qty, price, value string
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Symbol,
			&qty, &price, &value, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Quantity, _ = decimal.NewFromString(qty)
		r.SettlementPrice, _ = decimal.NewFromString(price)
		r.SettlementValue, _ = decimal.NewFromString(value)
		out = append(out, r)
	}
	return out, rows.Err()
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"order_engine/internal/helper"
	"order_engine/internal/models"
	"order_engine/pkg/db"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
)

// Postgres is the production Ledger over pgx.
type Postgres struct {
	db db.TxManager
}

func NewPostgres(txm db.TxManager) *Postgres {
	return &Postgres{db: txm}
}

// RunInTx joins the transaction already carried by ctx, if any.
func (p *Postgres) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.db.RunMaster(ctx, func(ctxTx context.Context, _ db.Transaction) error {
		return fn(ctxTx)
	})
}

func (p *Postgres) conn(ctx context.Context) db.Transaction {
	return p.db.Conn(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return db.Classify(err)
}

// Signals

const signalCols = `id, account_id, symbol, side, capital_fraction, leverage, entry_price,
	targets, stop_price, status, position_id, error_reason, created_at, updated_at`

func scanSignal(row pgx.Row) (models.Signal, error) {
	var (
		s       models.Signal
		side    string
		status  string
		targets []byte
	)
	err := row.Scan(&s.ID, &s.AccountID, &s.Symbol, &side, &s.CapitalFraction, &s.Leverage, &s.EntryPrice,
		&targets, &s.StopPrice, &status, &s.PositionID, &s.ErrorReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return models.Signal{}, err
	}
	s.Side = models.ParseSide(side)
	s.Status = models.SignalStatus(status)
	if len(targets) > 0 {
		if err := sonic.Unmarshal(targets, &s.Targets); err != nil {
			return models.Signal{}, fmt.Errorf("decode targets of signal %d: %w", s.ID, err)
		}
	}
	return s, nil
}

func collectSignals(rows pgx.Rows) ([]models.Signal, error) {
	defer rows.Close()
	var out []models.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertSignal(ctx context.Context, s models.Signal) (_ models.Signal, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.InsertSignal: %w", err)
		}
	}()
	targets, err := sonic.Marshal(s.Targets)
	if err != nil {
		return models.Signal{}, err
	}
	if s.Status == "" {
		s.Status = models.SignalPending
	}
	row := p.conn(ctx).QueryRow(ctx, `
		INSERT INTO signals (account_id, symbol, side, capital_fraction, leverage, entry_price, targets, stop_price, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+signalCols,
		s.AccountID, helper.NormSymbol(s.Symbol), string(s.Side), s.CapitalFraction, s.Leverage, s.EntryPrice,
		string(targets), s.StopPrice, string(s.Status))
	out, err := scanSignal(row)
	if err != nil {
		return models.Signal{}, db.Classify(err)
	}
	return out, nil
}

func (p *Postgres) GetSignal(ctx context.Context, id int64) (_ models.Signal, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.GetSignal: %w", err)
		}
	}()
	s, err := scanSignal(p.conn(ctx).QueryRow(ctx, `SELECT `+signalCols+` FROM signals WHERE id = $1`, id))
	if err != nil {
		return models.Signal{}, notFound(err, fmt.Sprintf("signal %d", id))
	}
	return s, nil
}

func (p *Postgres) ListSignals(ctx context.Context, accountID int64, status models.SignalStatus, limit int) (_ []models.Signal, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.ListSignals: %w", err)
		}
	}()
	rows, err := p.conn(ctx).Query(ctx, `
		SELECT `+signalCols+` FROM signals
		WHERE account_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY id
		LIMIT NULLIF($3, 0)`,
		accountID, string(status), limit)
	if err != nil {
		return nil, db.Classify(err)
	}
	return collectSignals(rows)
}

func (p *Postgres) UpdateSignalStatus(ctx context.Context, id int64, status models.SignalStatus, reason string) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.UpdateSignalStatus: %w", err)
		}
	}()
	tag, err := p.conn(ctx).Exec(ctx, `
		UPDATE signals SET status = $2, error_reason = $3, updated_at = now()
		WHERE id = $1`,
		id, string(status), helper.Truncate(reason, maxReasonLen))
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("signal %d: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) LinkSignalPosition(ctx context.Context, signalID, positionID int64) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.LinkSignalPosition: %w", err)
		}
	}()
	return p.RunInTx(ctx, func(ctx context.Context) error {
		q := p.conn(ctx)
		tag, err := q.Exec(ctx, `UPDATE positions SET signal_id = $2, updated_at = now() WHERE id = $1`, positionID, signalID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("position %d: %w", positionID, ErrNotFound)
		}
		tag, err = q.Exec(ctx, `UPDATE signals SET position_id = $2, updated_at = now() WHERE id = $1`, signalID, positionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("signal %d: %w", signalID, ErrNotFound)
		}
		return nil
	})
}

func (p *Postgres) ListExecutedUnlinked(ctx context.Context, accountID int64) (_ []models.Signal, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.ListExecutedUnlinked: %w", err)
		}
	}()
	rows, err := p.conn(ctx).Query(ctx, `
		SELECT `+signalCols+` FROM signals
		WHERE account_id = $1 AND status = $2 AND position_id IS NULL
		ORDER BY id`,
		accountID, string(models.SignalExecuted))
	if err != nil {
		return nil, db.Classify(err)
	}
	return collectSignals(rows)
}

// Positions

const positionCols = `id, account_id, symbol, side, quantity, entry_price, current_price, leverage,
	margin_type, trailing_level, realized_pnl, unrealized_pnl, status, signal_id, opened_at, updated_at`

func scanPosition(row pgx.Row, extra ...any) (models.Position, error) {
	var (
		p      models.Position
		side   string
		level  string
		status string
	)
	dest := []any{&p.ID, &p.AccountID, &p.Symbol, &side, &p.Quantity, &p.EntryPrice, &p.CurrentPrice, &p.Leverage,
		&p.MarginType, &level, &p.RealizedPnL, &p.UnrealizedPnL, &status, &p.SignalID, &p.OpenedAt, &p.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.Position{}, err
	}
	p.Side = models.ParseSide(side)
	p.TrailingLevel = models.TrailingLevel(level)
	p.Status = models.PositionStatus(status)
	return p, nil
}

func (p *Postgres) GetOpenPosition(ctx context.Context, accountID int64, symbol string) (_ models.Position, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.GetOpenPosition: %w", err)
		}
	}()
	pos, err := scanPosition(p.conn(ctx).QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE account_id = $1 AND symbol = $2`,
		accountID, helper.NormSymbol(symbol)))
	if err != nil {
		return models.Position{}, notFound(err, fmt.Sprintf("position %d/%s", accountID, symbol))
	}
	return pos, nil
}

func (p *Postgres) ListOpenPositions(ctx context.Context, accountID int64) (_ []models.Position, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.ListOpenPositions: %w", err)
		}
	}()
	rows, err := p.conn(ctx).Query(ctx, `SELECT `+positionCols+` FROM positions WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	var out []models.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertOpenPosition(ctx context.Context, pos models.Position) (_ models.Position, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.UpsertOpenPosition: %w", err)
		}
	}()
	openedAt := pos.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now()
	}
	out, err := scanPosition(p.conn(ctx).QueryRow(ctx, `
		INSERT INTO positions (account_id, symbol, side, quantity, entry_price, current_price, leverage, margin_type,
			trailing_level, trailing_rank, unrealized_pnl, status, signal_id, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'ORIGINAL', 0, $9, 'OPEN', $10, $11, now())
		ON CONFLICT (account_id, symbol) DO UPDATE SET
			side           = EXCLUDED.side,
			quantity       = EXCLUDED.quantity,
			entry_price    = CASE WHEN EXCLUDED.entry_price > 0 THEN EXCLUDED.entry_price ELSE positions.entry_price END,
			current_price  = CASE WHEN EXCLUDED.current_price > 0 THEN EXCLUDED.current_price ELSE positions.current_price END,
			leverage       = CASE WHEN EXCLUDED.leverage > 0 THEN EXCLUDED.leverage ELSE positions.leverage END,
			margin_type    = CASE WHEN EXCLUDED.margin_type <> '' THEN EXCLUDED.margin_type ELSE positions.margin_type END,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			signal_id      = COALESCE(positions.signal_id, EXCLUDED.signal_id),
			updated_at     = now()
		RETURNING `+positionCols,
		pos.AccountID, helper.NormSymbol(pos.Symbol), string(pos.Side), pos.Quantity, pos.EntryPrice, pos.CurrentPrice,
		pos.Leverage, pos.MarginType, pos.UnrealizedPnL, pos.SignalID, openedAt))
	if err != nil {
		return models.Position{}, db.Classify(err)
	}
	return out, nil
}

func (p *Postgres) UpdatePositionMark(ctx context.Context, id int64, price, unrealized float64) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.UpdatePositionMark: %w", err)
		}
	}()
	tag, err := p.conn(ctx).Exec(ctx, `
		UPDATE positions SET current_price = $2, unrealized_pnl = $3, updated_at = now()
		WHERE id = $1`, id, price, unrealized)
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) AdvanceTrailingLevel(ctx context.Context, id int64, level models.TrailingLevel) (_ bool, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.AdvanceTrailingLevel: %w", err)
		}
	}()
	q := p.conn(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE positions SET trailing_level = $2, trailing_rank = $3, updated_at = now()
		WHERE id = $1 AND trailing_rank < $3`,
		id, string(level), level.Rank())
	if err != nil {
		return false, db.Classify(err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM positions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, db.Classify(err)
	}
	if !exists {
		return false, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return false, nil
}

func (p *Postgres) ClosePosition(ctx context.Context, accountID int64, symbol string, realizedPnL float64, at time.Time) (_ models.Position, _ bool, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.ClosePosition: %w", err)
		}
	}()
	var closedAt *time.Time
	pos, err := scanPosition(p.conn(ctx).QueryRow(ctx, `
		WITH moved AS (
			DELETE FROM positions WHERE account_id = $1 AND symbol = $2
			RETURNING *
		)
		INSERT INTO positions_history (id, account_id, symbol, side, quantity, entry_price, current_price, leverage,
			margin_type, trailing_level, realized_pnl, unrealized_pnl, status, signal_id, opened_at, updated_at, closed_at)
		SELECT id, account_id, symbol, side, quantity, entry_price, current_price, leverage,
			margin_type, trailing_level, $3, 0, 'CLOSED', signal_id, opened_at, $4, $4
		FROM moved
		RETURNING `+positionCols+`, closed_at`,
		accountID, helper.NormSymbol(symbol), realizedPnL, at), &closedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Position{}, false, nil
	}
	if err != nil {
		return models.Position{}, false, db.Classify(err)
	}
	pos.ClosedAt = closedAt
	return pos, true, nil
}

func (p *Postgres) LastClosedPosition(ctx context.Context, accountID int64, symbol string) (_ models.Position, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.LastClosedPosition: %w", err)
		}
	}()
	var closedAt *time.Time
	pos, err := scanPosition(p.conn(ctx).QueryRow(ctx,
		`SELECT `+positionCols+`, closed_at FROM positions_history
		WHERE account_id = $1 AND symbol = $2 ORDER BY closed_at DESC LIMIT 1`,
		accountID, helper.NormSymbol(symbol)), &closedAt)
	if err != nil {
		return models.Position{}, notFound(err, fmt.Sprintf("closed position %d/%s", accountID, symbol))
	}
	pos.ClosedAt = closedAt
	return pos, nil
}

// Orders

const orderCols = `id, account_id, external_id, client_order_id, symbol, side, type, role, quantity, price,
	stop_price, executed_qty, avg_price, status, reduce_only, close_position, origin_tag, position_id, created_at, updated_at`

func scanOrder(row pgx.Row) (models.Order, error) {
	var (
		o      models.Order
		side   string
		typ    string
		role   string
		status string
	)
	err := row.Scan(&o.ID, &o.AccountID, &o.ExternalID, &o.ClientOrderID, &o.Symbol, &side, &typ, &role, &o.Quantity, &o.Price,
		&o.StopPrice, &o.ExecutedQty, &o.AvgPrice, &status, &o.ReduceOnly, &o.ClosePosition, &o.OriginTag, &o.PositionID,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return models.Order{}, err
	}
	o.Side = models.ParseSide(side)
	o.Type = models.OrderType(typ)
	o.Role = models.OrderRole(role)
	o.Status = models.OrderStatus(status)
	return o, nil
}

func orderArgs(o models.Order) []any {
	return []any{o.AccountID, o.ExternalID, o.ClientOrderID, o.Symbol, string(o.Side), string(o.Type), string(o.Role),
		o.Quantity, o.Price, o.StopPrice, o.ExecutedQty, o.AvgPrice, string(o.Status), o.Status.Rank(),
		o.ReduceOnly, o.ClosePosition, o.OriginTag, o.PositionID, o.CreatedAt}
}

const orderInsertCols = `account_id, external_id, client_order_id, symbol, side, type, role, quantity, price, stop_price,
	executed_qty, avg_price, status, status_rank, reduce_only, close_position, origin_tag, position_id, created_at, updated_at`

const orderInsertVals = `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, now()`

func (p *Postgres) ApplyOrder(ctx context.Context, o models.Order) (res ApplyResult, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.ApplyOrder: %w", err)
		}
	}()
	o.Symbol = helper.NormSymbol(o.Symbol)
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	err = p.RunInTx(ctx, func(ctx context.Context) error {
		q := p.conn(ctx)

		var archived bool
		if err := q.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM orders_history WHERE account_id = $1 AND symbol = $2 AND external_id = $3)`,
			o.AccountID, o.Symbol, o.ExternalID).Scan(&archived); err != nil {
			return err
		}
		if archived {
			res = ApplyIgnored
			return nil
		}

		prev, err := scanOrder(q.QueryRow(ctx, `
			SELECT `+orderCols+` FROM orders
			WHERE account_id = $1 AND symbol = $2 AND external_id = $3
			FOR UPDATE`,
			o.AccountID, o.Symbol, o.ExternalID))
		live := err == nil
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if live {
			o = mergeOrder(o, prev)
			if !o.Supersedes(prev) {
				res = ApplyIgnored
				return nil
			}
		}

		switch {
		case o.Status.Terminal():
			if live {
				if _, err := q.Exec(ctx, `DELETE FROM orders WHERE id = $1`, prev.ID); err != nil {
					return err
				}
			}
			if _, err := q.Exec(ctx, `
				INSERT INTO orders_history (`+orderInsertCols+`) VALUES (`+orderInsertVals+`)
				ON CONFLICT (account_id, symbol, external_id) DO NOTHING`, orderArgs(o)...); err != nil {
				return err
			}
			res = ApplyArchived
		case live:
			if _, err := q.Exec(ctx, `
				UPDATE orders SET
					client_order_id = $2, side = $3, type = $4, role = $5, quantity = $6, price = $7, stop_price = $8,
					executed_qty = $9, avg_price = $10, status = $11, status_rank = $12, origin_tag = $13,
					position_id = $14, updated_at = now()
				WHERE id = $1`,
				prev.ID, o.ClientOrderID, string(o.Side), string(o.Type), string(o.Role), o.Quantity, o.Price, o.StopPrice,
				o.ExecutedQty, o.AvgPrice, string(o.Status), o.Status.Rank(), o.OriginTag, o.PositionID); err != nil {
				return err
			}
			res = ApplyUpdated
		default:
			tag, err := q.Exec(ctx, `
				INSERT INTO orders (`+orderInsertCols+`) VALUES (`+orderInsertVals+`)
				ON CONFLICT (account_id, symbol, external_id) DO NOTHING`, orderArgs(o)...)
			if err != nil {
				return err
			}
			res = ApplyInserted
			if tag.RowsAffected() == 0 {
				res = ApplyIgnored
			}
		}
		return nil
	})
	if err != nil {
		return ApplyIgnored, db.Classify(err)
	}
	return res, nil
}

func (p *Postgres) ListLiveOrders(ctx context.Context, accountID int64, symbol string) (_ []models.Order, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.ListLiveOrders: %w", err)
		}
	}()
	rows, err := p.conn(ctx).Query(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE account_id = $1 AND ($2 = '' OR symbol = $2)
		ORDER BY id`,
		accountID, helper.NormSymbol(symbol))
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) FindLiveOrder(ctx context.Context, accountID int64, originTag string, role models.OrderRole) (_ models.Order, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.FindLiveOrder: %w", err)
		}
	}()
	o, err := scanOrder(p.conn(ctx).QueryRow(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE account_id = $1 AND origin_tag = $2 AND role = $3
		ORDER BY id LIMIT 1`,
		accountID, originTag, string(role)))
	if err != nil {
		return models.Order{}, notFound(err, fmt.Sprintf("order %s/%s", originTag, role))
	}
	return o, nil
}

func (p *Postgres) ArchiveOrder(ctx context.Context, accountID int64, symbol, externalID string, status models.OrderStatus) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.ArchiveOrder: %w", err)
		}
	}()
	if !status.Terminal() {
		return fmt.Errorf("archive with non-terminal status %q", status)
	}
	tag, err := p.conn(ctx).Exec(ctx, `
		WITH moved AS (
			DELETE FROM orders WHERE account_id = $1 AND symbol = $2 AND external_id = $3
			RETURNING *
		)
		INSERT INTO orders_history (`+orderInsertCols+`)
		SELECT account_id, external_id, client_order_id, symbol, side, type, role, quantity, price, stop_price,
			executed_qty, avg_price, $4, $5, reduce_only, close_position, origin_tag, position_id, created_at, now()
		FROM moved
		ON CONFLICT (account_id, symbol, external_id) DO NOTHING`,
		accountID, helper.NormSymbol(symbol), externalID, string(status), status.Rank())
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", externalID, ErrNotFound)
	}
	return nil
}

// Balances

func (p *Postgres) GetBalance(ctx context.Context, accountID int64, asset string) (_ models.Balance, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.GetBalance: %w", err)
		}
	}()
	var b models.Balance
	err = p.conn(ctx).QueryRow(ctx, `
		SELECT account_id, asset, wallet_balance, available, calc_base, updated_at
		FROM account_balances WHERE account_id = $1 AND asset = $2`,
		accountID, strings.ToUpper(asset)).Scan(&b.AccountID, &b.Asset, &b.WalletBalance, &b.Available, &b.CalcBase, &b.UpdatedAt)
	if err != nil {
		return models.Balance{}, notFound(err, fmt.Sprintf("balance %d/%s", accountID, asset))
	}
	return b, nil
}

func (p *Postgres) UpsertBalance(ctx context.Context, b models.Balance) (_ models.Balance, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.UpsertBalance: %w", err)
		}
	}()
	var out models.Balance
	err = p.conn(ctx).QueryRow(ctx, `
		INSERT INTO account_balances (account_id, asset, wallet_balance, available, calc_base, updated_at)
		VALUES ($1, $2, $3, $4, GREATEST($4, $5), now())
		ON CONFLICT (account_id, asset) DO UPDATE SET
			wallet_balance = EXCLUDED.wallet_balance,
			available      = EXCLUDED.available,
			calc_base      = GREATEST(account_balances.calc_base, EXCLUDED.calc_base),
			updated_at     = now()
		RETURNING account_id, asset, wallet_balance, available, calc_base, updated_at`,
		b.AccountID, strings.ToUpper(b.Asset), b.WalletBalance, b.Available, b.CalcBase).
		Scan(&out.AccountID, &out.Asset, &out.WalletBalance, &out.Available, &out.CalcBase, &out.UpdatedAt)
	if err != nil {
		return models.Balance{}, db.Classify(err)
	}
	return out, nil
}

package registry

import (
	"context"
	"database/sql"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the database at path.
func NewStore(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("registry store initialized")
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		mint TEXT NOT NULL UNIQUE,
		symbol TEXT NOT NULL,
		decimals INTEGER NOT NULL DEFAULT 9,
		dev_key_id TEXT NOT NULL,
		ops_key_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 0,
		suspended INTEGER NOT NULL DEFAULT 0,
		graduated INTEGER NOT NULL DEFAULT 0,
		venue_hint TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS token_configs (
		token_id TEXT PRIMARY KEY,
		flywheel_active INTEGER NOT NULL DEFAULT 0,
		auto_claim INTEGER NOT NULL DEFAULT 0,
		algorithm TEXT NOT NULL DEFAULT 'simple',
		min_buy_sol REAL NOT NULL DEFAULT 0,
		max_buy_sol REAL NOT NULL DEFAULT 0,
		max_sell_tokens REAL NOT NULL DEFAULT 0,
		trade_fraction REAL NOT NULL DEFAULT 0,
		slippage_bps INTEGER NOT NULL DEFAULT 0,
		trading_route TEXT NOT NULL DEFAULT 'auto',
		turbo_interval_sec INTEGER NOT NULL DEFAULT 0,
		turbo_cycle_buys INTEGER NOT NULL DEFAULT 0,
		turbo_cycle_sells INTEGER NOT NULL DEFAULT 0,
		turbo_inter_token_delay_ms INTEGER NOT NULL DEFAULT 0,
		turbo_rate_limit_per_min INTEGER NOT NULL DEFAULT 0,
		turbo_confirm_timeout_sec INTEGER NOT NULL DEFAULT 0,
		turbo_batch_state_updates INTEGER NOT NULL DEFAULT 0,
		reactive_enabled INTEGER NOT NULL DEFAULT 0,
		reactive_min_trigger_sol REAL NOT NULL DEFAULT 0,
		reactive_scale_percent REAL NOT NULL DEFAULT 0,
		reactive_max_response_percent REAL NOT NULL DEFAULT 0,
		reactive_cooldown_ms INTEGER NOT NULL DEFAULT 0,
		daily_limit_sol REAL NOT NULL DEFAULT 0,
		max_position_sol REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS flywheel_state (
		token_id TEXT PRIMARY KEY,
		phase TEXT NOT NULL DEFAULT 'buying',
		buy_count INTEGER NOT NULL DEFAULT 0,
		sell_count INTEGER NOT NULL DEFAULT 0,
		last_trade_at INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		cooldown_until INTEGER NOT NULL DEFAULT 0,
		breaker_reason TEXT NOT NULL DEFAULT '',
		breaker_opened_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS claims (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token_id TEXT NOT NULL,
		gross_sol REAL NOT NULL,
		platform_fee_sol REAL NOT NULL,
		user_net_sol REAL NOT NULL,
		signature TEXT NOT NULL,
		at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		sol_amount REAL NOT NULL DEFAULT 0,
		token_amount REAL NOT NULL DEFAULT 0,
		signature TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		source TEXT NOT NULL DEFAULT 'flywheel',
		at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_token_at ON trades(token_id, at);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
	CREATE INDEX IF NOT EXISTS idx_claims_token_at ON claims(token_id, at);
	`

	_, err := db.Exec(schema)
	return err
}

// UpsertToken inserts or replaces a token row.
func (s *Store) UpsertToken(t *Token) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO tokens
		(id, mint, symbol, decimals, dev_key_id, ops_key_id, owner_id, created_at, active, suspended, graduated, venue_hint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Mint, t.Symbol, t.Decimals, t.DevKeyID, t.OpsKeyID, t.OwnerID,
		t.CreatedAt.Unix(), boolInt(t.Active), boolInt(t.Suspended), boolInt(t.Graduated), t.VenueHint)
	return err
}

// GetToken retrieves one token by id.
func (s *Store) GetToken(id string) (*Token, error) {
	row := s.db.QueryRow(`
		SELECT id, mint, symbol, decimals, dev_key_id, ops_key_id, owner_id, created_at, active, suspended, graduated, venue_hint
		FROM tokens WHERE id = ?`, id)
	return scanToken(row)
}

// SaveConfig persists a token config.
func (s *Store) SaveConfig(c *TokenConfig) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO token_configs
		(token_id, flywheel_active, auto_claim, algorithm, min_buy_sol, max_buy_sol, max_sell_tokens,
		 trade_fraction, slippage_bps, trading_route,
		 turbo_interval_sec, turbo_cycle_buys, turbo_cycle_sells, turbo_inter_token_delay_ms,
		 turbo_rate_limit_per_min, turbo_confirm_timeout_sec, turbo_batch_state_updates,
		 reactive_enabled, reactive_min_trigger_sol, reactive_scale_percent,
		 reactive_max_response_percent, reactive_cooldown_ms,
		 daily_limit_sol, max_position_sol)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TokenID, boolInt(c.FlywheelActive), boolInt(c.AutoClaim), c.Algorithm,
		c.MinBuySol, c.MaxBuySol, c.MaxSellTokens, c.TradeFraction, c.SlippageBps, c.TradingRoute,
		c.Turbo.IntervalSec, c.Turbo.CycleBuys, c.Turbo.CycleSells, c.Turbo.InterTokenDelayMs,
		c.Turbo.RateLimitPerMin, c.Turbo.ConfirmTimeoutSec, boolInt(c.Turbo.BatchStateUpdates),
		boolInt(c.Reactive.Enabled), c.Reactive.MinTriggerSol, c.Reactive.ScalePercentPerSol,
		c.Reactive.MaxResponsePercent, c.Reactive.CooldownMs,
		c.DailyLimitSol, c.MaxPositionSol)
	return err
}

// GetConfig loads a token's config with defaults applied.
func (s *Store) GetConfig(tokenID string) (*TokenConfig, error) {
	row := s.db.QueryRow(configSelect+` WHERE token_id = ?`, tokenID)
	cfg, err := scanConfig(row)
	if err == sql.ErrNoRows {
		cfg = &TokenConfig{TokenID: tokenID}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

const configSelect = `
	SELECT token_id, flywheel_active, auto_claim, algorithm, min_buy_sol, max_buy_sol, max_sell_tokens,
	       trade_fraction, slippage_bps, trading_route,
	       turbo_interval_sec, turbo_cycle_buys, turbo_cycle_sells, turbo_inter_token_delay_ms,
	       turbo_rate_limit_per_min, turbo_confirm_timeout_sec, turbo_batch_state_updates,
	       reactive_enabled, reactive_min_trigger_sol, reactive_scale_percent,
	       reactive_max_response_percent, reactive_cooldown_ms,
	       daily_limit_sol, max_position_sol
	FROM token_configs`

// ActiveTokensForFlywheel returns eligible tokens with the flywheel enabled.
func (s *Store) ActiveTokensForFlywheel() ([]TokenWithConfig, error) {
	return s.activeTokensWhere("c.flywheel_active = 1")
}

// ActiveTokensForClaim returns eligible tokens with auto-claim enabled.
func (s *Store) ActiveTokensForClaim() ([]TokenWithConfig, error) {
	return s.activeTokensWhere("c.auto_claim = 1")
}

// ReactiveTokens returns eligible tokens with the reactive engine enabled.
func (s *Store) ReactiveTokens() ([]TokenWithConfig, error) {
	return s.activeTokensWhere("c.reactive_enabled = 1")
}

func (s *Store) activeTokensWhere(cond string) ([]TokenWithConfig, error) {
	rows, err := s.db.Query(`
		SELECT t.id, t.mint, t.symbol, t.decimals, t.dev_key_id, t.ops_key_id, t.owner_id,
		       t.created_at, t.active, t.suspended, t.graduated, t.venue_hint,
		       c.token_id, c.flywheel_active, c.auto_claim, c.algorithm, c.min_buy_sol, c.max_buy_sol,
		       c.max_sell_tokens, c.trade_fraction, c.slippage_bps, c.trading_route,
		       c.turbo_interval_sec, c.turbo_cycle_buys, c.turbo_cycle_sells, c.turbo_inter_token_delay_ms,
		       c.turbo_rate_limit_per_min, c.turbo_confirm_timeout_sec, c.turbo_batch_state_updates,
		       c.reactive_enabled, c.reactive_min_trigger_sol, c.reactive_scale_percent,
		       c.reactive_max_response_percent, c.reactive_cooldown_ms,
		       c.daily_limit_sol, c.max_position_sol
		FROM tokens t
		JOIN token_configs c ON c.token_id = t.id
		WHERE t.active = 1 AND t.suspended = 0 AND `+cond+`
		ORDER BY t.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TokenWithConfig
	for rows.Next() {
		var (
			t                                            Token
			c                                            TokenConfig
			createdAt                                    int64
			active, suspended, graduated, flyOn, claimOn int
			batchOn, reactOn                             int
		)
		if err := rows.Scan(
			&t.ID, &t.Mint, &t.Symbol, &t.Decimals, &t.DevKeyID, &t.OpsKeyID, &t.OwnerID,
			&createdAt, &active, &suspended, &graduated, &t.VenueHint,
			&c.TokenID, &flyOn, &claimOn, &c.Algorithm, &c.MinBuySol, &c.MaxBuySol,
			&c.MaxSellTokens, &c.TradeFraction, &c.SlippageBps, &c.TradingRoute,
			&c.Turbo.IntervalSec, &c.Turbo.CycleBuys, &c.Turbo.CycleSells, &c.Turbo.InterTokenDelayMs,
			&c.Turbo.RateLimitPerMin, &c.Turbo.ConfirmTimeoutSec, &batchOn,
			&reactOn, &c.Reactive.MinTriggerSol, &c.Reactive.ScalePercentPerSol,
			&c.Reactive.MaxResponsePercent, &c.Reactive.CooldownMs,
			&c.DailyLimitSol, &c.MaxPositionSol,
		); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(createdAt, 0)
		t.Active = active == 1
		t.Suspended = suspended == 1
		t.Graduated = graduated == 1
		c.FlywheelActive = flyOn == 1
		c.AutoClaim = claimOn == 1
		c.Turbo.BatchStateUpdates = batchOn == 1
		c.Reactive.Enabled = reactOn == 1
		c.ApplyDefaults()
		out = append(out, TokenWithConfig{Token: t, Config: c})
	}
	return out, rows.Err()
}

// LoadState loads a token's flywheel state, creating the initial row lazily.
func (s *Store) LoadState(tokenID string) (*FlywheelState, error) {
	row := s.db.QueryRow(`
		SELECT token_id, phase, buy_count, sell_count, last_trade_at, consecutive_failures,
		       cooldown_until, breaker_reason, breaker_opened_at
		FROM flywheel_state WHERE token_id = ?`, tokenID)

	var (
		st                                  FlywheelState
		lastTrade, cooldownUntil, breakerAt int64
	)
	err := row.Scan(&st.TokenID, &st.Phase, &st.BuyCount, &st.SellCount, &lastTrade,
		&st.ConsecutiveFailures, &cooldownUntil, &st.BreakerReason, &breakerAt)
	if err == sql.ErrNoRows {
		st = FlywheelState{TokenID: tokenID, Phase: PhaseBuying}
		if err := s.SaveState(&st); err != nil {
			return nil, err
		}
		return &st, nil
	}
	if err != nil {
		return nil, err
	}
	st.LastTradeAt = time.Unix(lastTrade, 0)
	st.CooldownUntil = time.Unix(cooldownUntil, 0)
	st.BreakerOpenedAt = time.Unix(breakerAt, 0)
	return &st, nil
}

// SaveState persists one flywheel state synchronously.
func (s *Store) SaveState(st *FlywheelState) error {
	_, err := s.db.Exec(stateUpsert,
		st.TokenID, st.Phase, st.BuyCount, st.SellCount, st.LastTradeAt.Unix(),
		st.ConsecutiveFailures, st.CooldownUntil.Unix(), st.BreakerReason, st.BreakerOpenedAt.Unix())
	return err
}

// SaveStates flushes a batch of states in one transaction.
func (s *Store) SaveStates(states []*FlywheelState) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, st := range states {
		if _, err := tx.Exec(stateUpsert,
			st.TokenID, st.Phase, st.BuyCount, st.SellCount, st.LastTradeAt.Unix(),
			st.ConsecutiveFailures, st.CooldownUntil.Unix(), st.BreakerReason, st.BreakerOpenedAt.Unix()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

const stateUpsert = `
	INSERT OR REPLACE INTO flywheel_state
	(token_id, phase, buy_count, sell_count, last_trade_at, consecutive_failures,
	 cooldown_until, breaker_reason, breaker_opened_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertClaim appends a claim record.
func (s *Store) InsertClaim(c *ClaimRecord) error {
	res, err := s.db.Exec(`
		INSERT INTO claims (token_id, gross_sol, platform_fee_sol, user_net_sol, signature, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.TokenID, c.GrossSol, c.PlatformFee, c.UserNet, c.Signature, c.At.Unix())
	if err != nil {
		return err
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// InsertTrade appends a trade record and fills its id.
func (s *Store) InsertTrade(t *TradeRecord) error {
	res, err := s.db.Exec(`
		INSERT INTO trades (token_id, kind, sol_amount, token_amount, signature, status, source, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TokenID, t.Kind, t.SolAmount, t.TokenAmount, t.Signature, t.Status, t.Source, t.At.Unix())
	if err != nil {
		return err
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// UpdateTradeStatus finalizes a trade record.
func (s *Store) UpdateTradeStatus(id int64, status, signature string) error {
	_, err := s.db.Exec(`UPDATE trades SET status = ?, signature = ? WHERE id = ?`, status, signature, id)
	return err
}

// FinalizeTrade records the settled amounts along with the terminal status.
// Sell proceeds are only known from the executed quote, so the pending row's
// amounts get corrected here.
func (s *Store) FinalizeTrade(id int64, status, signature string, solAmount, tokenAmount float64) error {
	_, err := s.db.Exec(`
		UPDATE trades SET status = ?, signature = ?, sol_amount = ?, token_amount = ?
		WHERE id = ?`, status, signature, solAmount, tokenAmount, id)
	return err
}

// DailyTradedSol sums the SOL the engine traded for a token in the last 24h.
func (s *Store) DailyTradedSol(tokenID string) (float64, error) {
	since := time.Now().Add(-24 * time.Hour).Unix()
	var total float64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(sol_amount), 0) FROM trades
		WHERE token_id = ? AND at >= ? AND kind IN ('buy', 'sell') AND status != 'failed'`,
		tokenID, since).Scan(&total)
	return total, err
}

// PendingTrades returns trades left pending, used to reconcile on startup.
func (s *Store) PendingTrades() ([]*TradeRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, token_id, kind, sol_amount, token_amount, signature, status, source, at
		FROM trades WHERE status = 'pending' AND signature != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// RecentTrades returns the most recent trades.
func (s *Store) RecentTrades(limit int) ([]*TradeRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, token_id, kind, sol_amount, token_amount, signature, status, source, at
		FROM trades ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ExportTradesCSV streams the full trade history as CSV.
func (s *Store) ExportTradesCSV(w io.Writer) error {
	rows, err := s.db.Query(`
		SELECT id, token_id, kind, sol_amount, token_amount, signature, status, source, at
		FROM trades ORDER BY at, id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "token_id", "kind", "sol_amount", "token_amount", "signature", "status", "source", "at"}); err != nil {
		return err
	}

	trades, err := scanTrades(rows)
	if err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			strconv.FormatInt(t.ID, 10),
			t.TokenID,
			t.Kind,
			strconv.FormatFloat(t.SolAmount, 'f', -1, 64),
			strconv.FormatFloat(t.TokenAmount, 'f', -1, 64),
			t.Signature,
			t.Status,
			t.Source,
			t.At.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportClaimsCSV streams the full claim history as CSV.
func (s *Store) ExportClaimsCSV(w io.Writer) error {
	rows, err := s.db.Query(`
		SELECT id, token_id, gross_sol, platform_fee_sol, user_net_sol, signature, at
		FROM claims ORDER BY at, id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "token_id", "gross_sol", "platform_fee_sol", "user_net_sol", "signature", "at"}); err != nil {
		return err
	}

	for rows.Next() {
		var (
			c  ClaimRecord
			at int64
		)
		if err := rows.Scan(&c.ID, &c.TokenID, &c.GrossSol, &c.PlatformFee, &c.UserNet, &c.Signature, &at); err != nil {
			return err
		}
		row := []string{
			strconv.FormatInt(c.ID, 10),
			c.TokenID,
			strconv.FormatFloat(c.GrossSol, 'f', -1, 64),
			strconv.FormatFloat(c.PlatformFee, 'f', -1, 64),
			strconv.FormatFloat(c.UserNet, 'f', -1, 64),
			c.Signature,
			time.Unix(at, 0).UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// SetSuspended flips a token's suspended flag. The platform token is exempt
// from bulk suspension; callers enforce that.
func (s *Store) SetSuspended(tokenID string, suspended bool) error {
	_, err := s.db.Exec(`UPDATE tokens SET suspended = ? WHERE id = ?`, boolInt(suspended), tokenID)
	return err
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanTrades(rows *sql.Rows) ([]*TradeRecord, error) {
	var out []*TradeRecord
	for rows.Next() {
		var (
			t  TradeRecord
			at int64
		)
		if err := rows.Scan(&t.ID, &t.TokenID, &t.Kind, &t.SolAmount, &t.TokenAmount,
			&t.Signature, &t.Status, &t.Source, &at); err != nil {
			return nil, err
		}
		t.At = time.Unix(at, 0)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func scanToken(row *sql.Row) (*Token, error) {
	var (
		t                            Token
		createdAt                    int64
		active, suspended, graduated int
	)
	err := row.Scan(&t.ID, &t.Mint, &t.Symbol, &t.Decimals, &t.DevKeyID, &t.OpsKeyID,
		&t.OwnerID, &createdAt, &active, &suspended, &graduated, &t.VenueHint)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	t.Active = active == 1
	t.Suspended = suspended == 1
	t.Graduated = graduated == 1
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConfig(row rowScanner) (*TokenConfig, error) {
	var (
		c                                TokenConfig
		flyOn, claimOn, batchOn, reactOn int
	)
	err := row.Scan(
		&c.TokenID, &flyOn, &claimOn, &c.Algorithm, &c.MinBuySol, &c.MaxBuySol,
		&c.MaxSellTokens, &c.TradeFraction, &c.SlippageBps, &c.TradingRoute,
		&c.Turbo.IntervalSec, &c.Turbo.CycleBuys, &c.Turbo.CycleSells, &c.Turbo.InterTokenDelayMs,
		&c.Turbo.RateLimitPerMin, &c.Turbo.ConfirmTimeoutSec, &batchOn,
		&reactOn, &c.Reactive.MinTriggerSol, &c.Reactive.ScalePercentPerSol,
		&c.Reactive.MaxResponsePercent, &c.Reactive.CooldownMs,
		&c.DailyLimitSol, &c.MaxPositionSol)
	if err != nil {
		return nil, err
	}
	c.FlywheelActive = flyOn == 1
	c.AutoClaim = claimOn == 1
	c.Turbo.BatchStateUpdates = batchOn == 1
	c.Reactive.Enabled = reactOn == 1
	return &c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

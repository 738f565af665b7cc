package storage

// schema is applied on every open; all statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS positions (
    id            TEXT PRIMARY KEY,
    symbol        TEXT NOT NULL,
    strategy      TEXT NOT NULL,
    entry_ts      TIMESTAMP NOT NULL,
    expiration    TIMESTAMP NOT NULL,
    contracts     INTEGER NOT NULL CHECK (contracts > 0),
    entry_credit  REAL NOT NULL,
    max_risk      REAL NOT NULL CHECK (max_risk > 0),
    status        TEXT NOT NULL,
    exit_ts       TIMESTAMP,
    exit_price    REAL,
    exit_reason   TEXT,
    realized_pnl  REAL,
    vix_entry     REAL NOT NULL DEFAULT 0,
    regime_entry  TEXT NOT NULL DEFAULT '',
    trailing_stop       REAL NOT NULL DEFAULT 0,
    trailing_profit     REAL NOT NULL DEFAULT 0,
    highest_profit_seen REAL NOT NULL DEFAULT 0,
    stop_multiplier     REAL NOT NULL DEFAULT 0,
    profit_target_pct   REAL NOT NULL DEFAULT 0,
    ml_confidence       REAL NOT NULL DEFAULT 0,
    ml_last_update      TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS position_legs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id     TEXT NOT NULL REFERENCES positions(id),
    contract_symbol TEXT NOT NULL,
    action          TEXT NOT NULL,
    strike          REAL NOT NULL,
    opt_right       TEXT NOT NULL,
    quantity        INTEGER NOT NULL CHECK (quantity > 0),
    entry_price     REAL NOT NULL,
    con_id          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_legs_position ON position_legs(position_id);

CREATE TABLE IF NOT EXISTS trades (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id     TEXT,
    symbol          TEXT NOT NULL,
    strategy        TEXT NOT NULL,
    action          TEXT NOT NULL,
    status          TEXT NOT NULL,
    submitted_at    TIMESTAMP NOT NULL,
    filled_at       TIMESTAMP,
    limit_price     REAL NOT NULL,
    fill_price      REAL,
    quantity        INTEGER NOT NULL,
    filled_qty      INTEGER NOT NULL DEFAULT 0,
    realized_pnl    REAL,
    vix_at_entry    REAL NOT NULL DEFAULT 0,
    regime_at_entry TEXT NOT NULL DEFAULT '',
    notes           TEXT
);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);

CREATE TABLE IF NOT EXISTS exit_adjustments (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id     TEXT NOT NULL REFERENCES positions(id),
    adjusted_at     TIMESTAMP NOT NULL,
    old_stop        REAL NOT NULL,
    new_stop        REAL NOT NULL,
    old_profit      REAL NOT NULL,
    new_profit      REAL NOT NULL,
    stop_multiplier REAL NOT NULL,
    ml_confidence   REAL NOT NULL,
    source          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exit_adjustments_position ON exit_adjustments(position_id);

CREATE TABLE IF NOT EXISTS pnl_history (
    day      TEXT PRIMARY KEY,
    realized REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS ai_decisions (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    model          TEXT NOT NULL,
    decision_type  TEXT NOT NULL,
    recommendation TEXT NOT NULL,
    confidence     REAL NOT NULL,
    vix            REAL NOT NULL,
    regime         TEXT NOT NULL,
    created_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS market_snapshots (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    ts             TIMESTAMP NOT NULL,
    vix            REAL NOT NULL,
    vix3m          REAL,
    ratio          REAL,
    term_structure TEXT NOT NULL,
    regime         TEXT NOT NULL,
    regime_mode    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS shadow_trades (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol        TEXT NOT NULL,
    strategy      TEXT NOT NULL,
    rejected_at   TIMESTAMP NOT NULL,
    reject_reason TEXT NOT NULL,
    expiration    TIMESTAMP NOT NULL,
    short_strike  REAL NOT NULL,
    long_strike   REAL NOT NULL,
    credit        REAL NOT NULL,
    spot_at_reject REAL NOT NULL,
    vix           REAL NOT NULL,
    regime        TEXT NOT NULL,
    features_json TEXT,
    status        TEXT NOT NULL DEFAULT 'PENDING'
);
CREATE INDEX IF NOT EXISTS idx_shadow_trades_status ON shadow_trades(status);

CREATE TABLE IF NOT EXISTS circuit_breaker_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    triggered_ts    TIMESTAMP NOT NULL,
    reason          TEXT NOT NULL,
    threshold_value REAL NOT NULL,
    reset_ts        TIMESTAMP,
    reset_by        TEXT
);
CREATE INDEX IF NOT EXISTS idx_cb_active ON circuit_breaker_events(reset_ts) WHERE reset_ts IS NULL;
`

package journal

const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL DEFAULT '',
	strategy_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	created DATETIME NOT NULL,
	start_time DATETIME,
	end_time DATETIME,
	capital REAL NOT NULL,
	final_equity REAL NOT NULL,
	metrics TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	trade_id TEXT NOT NULL,
	position_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction INTEGER NOT NULL,
	quantity REAL NOT NULL,
	entry_price REAL NOT NULL,
	exit_price REAL NOT NULL,
	stop_loss REAL NOT NULL,
	take_profit REAL NOT NULL,
	open_time DATETIME NOT NULL,
	close_time DATETIME NOT NULL,
	commission REAL NOT NULL,
	realized_pl REAL NOT NULL,
	reason TEXT NOT NULL,
	PRIMARY KEY (run_id, trade_id)
);

CREATE TABLE IF NOT EXISTS equity (
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	time DATETIME NOT NULL,
	equity REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_equity_run_time ON equity(run_id, time);
CREATE INDEX IF NOT EXISTS idx_trades_close_time ON trades(close_time);

CREATE TABLE IF NOT EXISTS windows (
	run_id TEXT NOT NULL,
	window_id INTEGER NOT NULL,
	train_metric REAL NOT NULL,
	test_metric REAL NOT NULL,
	divergence_pct REAL NOT NULL,
	is_overfitting INTEGER NOT NULL,
	recorded DATETIME NOT NULL,
	PRIMARY KEY (run_id, window_id)
);
`

// PostgresSchema is the same layout for the shared results database.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS wf_runs (
	run_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL DEFAULT '',
	strategy_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	created TIMESTAMPTZ NOT NULL,
	start_time TIMESTAMPTZ,
	end_time TIMESTAMPTZ,
	capital DOUBLE PRECISION NOT NULL,
	final_equity DOUBLE PRECISION NOT NULL,
	metrics JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS wf_trades (
	run_id TEXT NOT NULL REFERENCES wf_runs(run_id),
	trade_id TEXT NOT NULL,
	position_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction SMALLINT NOT NULL,
	quantity DOUBLE PRECISION NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	exit_price DOUBLE PRECISION NOT NULL,
	stop_loss DOUBLE PRECISION NOT NULL,
	take_profit DOUBLE PRECISION NOT NULL,
	open_time TIMESTAMPTZ NOT NULL,
	close_time TIMESTAMPTZ NOT NULL,
	commission DOUBLE PRECISION NOT NULL,
	realized_pl DOUBLE PRECISION NOT NULL,
	reason TEXT NOT NULL,
	PRIMARY KEY (run_id, trade_id)
);

CREATE TABLE IF NOT EXISTS wf_equity (
	run_id TEXT NOT NULL REFERENCES wf_runs(run_id),
	ts TIMESTAMPTZ NOT NULL,
	equity DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS wf_windows (
	run_id TEXT NOT NULL,
	window_id INTEGER NOT NULL,
	train_metric DOUBLE PRECISION NOT NULL,
	test_metric DOUBLE PRECISION NOT NULL,
	divergence_pct DOUBLE PRECISION NOT NULL,
	is_overfitting BOOLEAN NOT NULL,
	recorded TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, window_id)
);
`

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quantdesk/flgc/internal/errs"
	"github.com/quantdesk/flgc/pkg/model"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const defaultListCap = 500

// DB owns the single modernc.org/sqlite connection all FLGC stores share,
// backing every store interface with real insert-if-absent and
// compare-and-set SQL. Each accessor returns a thin wrapper scoped to one
// store interface so that method names (Put, Get, ...) don't collide
// across interfaces on a single receiver type.
type DB struct {
	logger *zap.Logger
	sql    *sql.DB
}

// Open creates (or attaches to) a sqlite database at dsn (":memory:" is a
// common choice for tests; a file path for a real deployment) and
// migrates the schema.
func Open(logger *zap.Logger, dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, "store.open", "failed to open sqlite", err)
	}
	// sqlite over database/sql serializes writers; a single connection
	// avoids "database is locked" churn under our own in-process workers.
	conn.SetMaxOpenConns(1)

	d := &DB{logger: logger, sql: conn}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) Snapshots() SnapshotStore     { return snapshotStore{d.sql} }
func (d *DB) Outcomes() OutcomeStore       { return outcomeStore{d.sql} }
func (d *DB) Governance() GovernanceStore  { return governanceStore{d.sql} }
func (d *DB) Scheduler() SchedulerStore    { return schedulerStore{d.sql} }
func (d *DB) Alerts() AlertLog             { return alertLogStore{d.sql} }
func (d *DB) JobRuns() JobRunStore         { return jobRunStore{d.sql} }

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			fingerprint TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			horizon_name TEXT NOT NULL,
			horizon_days INTEGER NOT NULL,
			tier TEXT NOT NULL,
			preset TEXT NOT NULL,
			role TEXT NOT NULL,
			policy_hash TEXT NOT NULL,
			engine_version TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			resolve_at INTEGER NOT NULL,
			start_price TEXT NOT NULL,
			target_price TEXT NOT NULL,
			expected_move_pct REAL NOT NULL,
			direction TEXT NOT NULL,
			confidence REAL NOT NULL,
			status TEXT NOT NULL,
			real_price TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			deviation REAL NOT NULL DEFAULT 0,
			resolved_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_pending ON snapshots(status, resolve_at)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			snapshot_ref TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			horizon_name TEXT NOT NULL,
			horizon_days INTEGER NOT NULL,
			tier TEXT NOT NULL,
			preset TEXT NOT NULL,
			role TEXT NOT NULL,
			start_price TEXT NOT NULL,
			target_price TEXT NOT NULL,
			real_price TEXT NOT NULL,
			result TEXT NOT NULL,
			direction_correct INTEGER NOT NULL,
			deviation REAL NOT NULL,
			confidence REAL NOT NULL,
			created_at INTEGER NOT NULL,
			resolved_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_cohort ON outcomes(symbol, horizon_name, preset, role, resolved_at)`,
		`CREATE TABLE IF NOT EXISTS governance_state (
			symbol TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			latch_until INTEGER NOT NULL,
			consecutive_healthy_days INTEGER NOT NULL,
			consecutive_weak_evals INTEGER NOT NULL,
			frozen_policy_hash TEXT NOT NULL DEFAULT '',
			history BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS scheduler_state (
			job_id TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL,
			schedule_utc TEXT NOT NULL,
			next_run_at INTEGER NOT NULL,
			last_run_at INTEGER NOT NULL,
			last_status TEXT NOT NULL DEFAULT '',
			locked_until INTEGER NOT NULL DEFAULT 0,
			owner TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS job_runs (
			run_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			trigger TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			steps BLOB,
			summary TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_job_status ON job_runs(job_id, status)`,
		`CREATE TABLE IF NOT EXISTS alert_log (
			symbol TEXT NOT NULL,
			triggered_at INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			key_context TEXT NOT NULL,
			blocked_by TEXT NOT NULL,
			PRIMARY KEY (symbol, triggered_at, fingerprint)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.sql.Exec(stmt); err != nil {
			return errs.Wrap(errs.KindFatal, "store.migrate", "schema migration failed", err)
		}
	}
	return nil
}

// ---- snapshotStore : SnapshotStore ----

type snapshotStore struct{ db *sql.DB }

const snapshotColumns = `fingerprint, symbol, horizon_name, horizon_days, tier, preset, role, policy_hash, engine_version,
	created_at, resolve_at, start_price, target_price, expected_move_pct, direction, confidence, status,
	real_price, result, deviation, resolved_at`

func (s snapshotStore) Put(ctx context.Context, snap model.ForecastSnapshot) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO snapshots
		(fingerprint, symbol, horizon_name, horizon_days, tier, preset, role, policy_hash, engine_version,
		 created_at, resolve_at, start_price, target_price, expected_move_pct, direction, confidence, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		snap.Fingerprint, string(snap.Symbol), snap.Horizon.Name, snap.Horizon.Days, string(snap.Horizon.Tier),
		string(snap.Preset), string(snap.Role), snap.PolicyHash, snap.EngineVersion,
		snap.CreatedAt.UnixMilli(), snap.ResolveAt.UnixMilli(),
		snap.StartPrice.String(), snap.TargetPrice.String(), snap.ExpectedMovePct,
		string(snap.Direction), snap.Confidence, string(model.StatusPending))
	if err != nil {
		return false, errs.Wrap(errs.KindTransient, "snapshot.put", "insert failed", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s snapshotStore) ListPending(ctx context.Context, asOf time.Time, limit int) ([]model.ForecastSnapshot, error) {
	if limit <= 0 || limit > defaultListCap {
		limit = defaultListCap
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE status = ? AND resolve_at <= ?
		ORDER BY resolve_at ASC LIMIT ?`,
		string(model.StatusPending), asOf.UnixMilli(), limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "snapshot.listPending", "query failed", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

func (s snapshotStore) Resolve(ctx context.Context, fingerprint string, eval model.Evaluation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE snapshots SET status = ?, real_price = ?, result = ?, deviation = ?, resolved_at = ?
		WHERE fingerprint = ? AND status = ?`,
		string(model.StatusResolved), eval.RealPrice.String(), string(eval.Result), eval.Deviation,
		eval.ResolvedAt.UnixMilli(), fingerprint, string(model.StatusPending))
	if err != nil {
		return errs.Wrap(errs.KindTransient, "snapshot.resolve", "update failed", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either it doesn't exist, or it's already resolved. Disambiguate
		// so the caller doesn't silently swallow a missing fingerprint.
		_, found, _ := s.Get(ctx, fingerprint)
		if !found {
			return errs.New(errs.KindContractViolation, "snapshot.resolve", "no such snapshot: "+fingerprint)
		}
		return errs.AlreadyResolved
	}
	return nil
}

func (s snapshotStore) Get(ctx context.Context, fingerprint string) (model.ForecastSnapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE fingerprint = ?`, fingerprint)
	snap, err := scanSnapshotRow(row)
	if err == sql.ErrNoRows {
		return model.ForecastSnapshot{}, false, nil
	}
	if err != nil {
		return model.ForecastSnapshot{}, false, errs.Wrap(errs.KindTransient, "snapshot.get", "query failed", err)
	}
	return snap, true, nil
}

func (s snapshotStore) List(ctx context.Context, filter SnapshotFilter, limit int) ([]model.ForecastSnapshot, error) {
	if limit <= 0 || limit > defaultListCap {
		limit = defaultListCap
	}
	where, args := []string{"1=1"}, []any{}
	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, string(filter.Symbol))
	}
	if filter.Horizon != "" {
		where = append(where, "horizon_name = ?")
		args = append(args, filter.Horizon)
	}
	if filter.Preset != "" {
		where = append(where, "preset = ?")
		args = append(args, string(filter.Preset))
	}
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, string(filter.Role))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM snapshots WHERE %s ORDER BY created_at DESC LIMIT ?`,
		snapshotColumns, strings.Join(where, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "snapshot.list", "query failed", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshotRow(r rowScanner) (model.ForecastSnapshot, error) {
	var (
		snap                                   model.ForecastSnapshot
		symbol, horizonName, tier, preset, role string
		direction, status, result              string
		policyHash, engineVersion              string
		createdAtMS, resolveAtMS, resolvedAtMS  int64
		startPriceS, targetPriceS, realPriceS   string
		horizonDays                             int
	)
	if err := r.Scan(&snap.Fingerprint, &symbol, &horizonName, &horizonDays, &tier, &preset, &role,
		&policyHash, &engineVersion, &createdAtMS, &resolveAtMS, &startPriceS, &targetPriceS,
		&snap.ExpectedMovePct, &direction, &snap.Confidence, &status, &realPriceS, &result,
		&snap.Evaluation.Deviation, &resolvedAtMS); err != nil {
		return model.ForecastSnapshot{}, err
	}
	snap.Symbol = model.Symbol(symbol)
	snap.Horizon = model.Horizon{Name: horizonName, Days: horizonDays, Tier: model.Tier(tier)}
	snap.Preset = model.Preset(preset)
	snap.Role = model.Role(role)
	snap.PolicyHash = policyHash
	snap.EngineVersion = engineVersion
	snap.CreatedAt = time.UnixMilli(createdAtMS).UTC()
	snap.ResolveAt = time.UnixMilli(resolveAtMS).UTC()
	snap.StartPrice, _ = decimal.NewFromString(startPriceS)
	snap.TargetPrice, _ = decimal.NewFromString(targetPriceS)
	snap.Direction = model.Direction(direction)
	snap.Evaluation.Status = model.EvaluationStatus(status)
	if realPriceS != "" {
		snap.Evaluation.RealPrice, _ = decimal.NewFromString(realPriceS)
	}
	snap.Evaluation.Result = model.Result(result)
	if resolvedAtMS > 0 {
		snap.Evaluation.ResolvedAt = time.UnixMilli(resolvedAtMS).UTC()
	}
	return snap, nil
}

func scanSnapshots(rows *sql.Rows) ([]model.ForecastSnapshot, error) {
	var out []model.ForecastSnapshot
	for rows.Next() {
		snap, err := scanSnapshotRow(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransient, "snapshot.scan", "row scan failed", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ---- outcomeStore : OutcomeStore ----

type outcomeStore struct{ db *sql.DB }

func (s outcomeStore) Put(ctx context.Context, out model.ForecastOutcome) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO outcomes
		(snapshot_ref, symbol, horizon_name, horizon_days, tier, preset, role, start_price, target_price,
		 real_price, result, direction_correct, deviation, confidence, created_at, resolved_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		out.SnapshotRef, string(out.Symbol), out.Horizon.Name, out.Horizon.Days, string(out.Horizon.Tier),
		string(out.Preset), string(out.Role), out.StartPrice.String(), out.TargetPrice.String(),
		out.RealPrice.String(), string(out.Result), boolToInt(out.DirectionCorrect), out.Deviation,
		out.Confidence, out.CreatedAt.UnixMilli(), out.ResolvedAt.UnixMilli())
	if err != nil {
		return false, errs.Wrap(errs.KindTransient, "outcome.put", "insert failed", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s outcomeStore) Query(ctx context.Context, filter OutcomeFilter, windowSize int) ([]model.ForecastOutcome, error) {
	where, args := []string{"1=1"}, []any{}
	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, string(filter.Symbol))
	}
	if filter.Horizon != "" {
		where = append(where, "horizon_name = ?")
		args = append(args, filter.Horizon)
	}
	if filter.Preset != "" {
		where = append(where, "preset = ?")
		args = append(args, string(filter.Preset))
	}
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, string(filter.Role))
	}
	if windowSize <= 0 {
		windowSize = defaultListCap
	}
	// Fetch the most recent windowSize by resolved_at desc, then return
	// them chronologically (oldest first), matching the Outcome Store's
	// query contract.
	args = append(args, windowSize)
	query := fmt.Sprintf(`SELECT snapshot_ref, symbol, horizon_name, horizon_days, tier, preset, role,
		start_price, target_price, real_price, result, direction_correct, deviation, confidence,
		created_at, resolved_at FROM outcomes WHERE %s ORDER BY resolved_at DESC LIMIT ?`, strings.Join(where, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "outcome.query", "query failed", err)
	}
	defer rows.Close()

	var desc []model.ForecastOutcome
	for rows.Next() {
		var (
			out                                      model.ForecastOutcome
			symbol, horizonName, tier, preset, role string
			result                                  string
			dirCorrect                               int
			startS, targetS, realS                   string
			createdAtMS, resolvedAtMS                int64
			horizonDays                               int
		)
		if err := rows.Scan(&out.SnapshotRef, &symbol, &horizonName, &horizonDays, &tier, &preset, &role,
			&startS, &targetS, &realS, &result, &dirCorrect, &out.Deviation, &out.Confidence,
			&createdAtMS, &resolvedAtMS); err != nil {
			return nil, errs.Wrap(errs.KindTransient, "outcome.scan", "row scan failed", err)
		}
		out.Symbol = model.Symbol(symbol)
		out.Horizon = model.Horizon{Name: horizonName, Days: horizonDays, Tier: model.Tier(tier)}
		out.Preset = model.Preset(preset)
		out.Role = model.Role(role)
		out.StartPrice, _ = decimal.NewFromString(startS)
		out.TargetPrice, _ = decimal.NewFromString(targetS)
		out.RealPrice, _ = decimal.NewFromString(realS)
		out.Result = model.Result(result)
		out.DirectionCorrect = dirCorrect != 0
		out.CreatedAt = time.UnixMilli(createdAtMS).UTC()
		out.ResolvedAt = time.UnixMilli(resolvedAtMS).UTC()
		desc = append(desc, out)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "outcome.scan", "rows iteration failed", err)
	}
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}

func (s outcomeStore) DistinctSymbols(ctx context.Context) ([]model.Symbol, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM outcomes`)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "outcome.distinctSymbols", "query failed", err)
	}
	defer rows.Close()
	var out []model.Symbol
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, model.Symbol(sym))
	}
	return out, rows.Err()
}

func (s outcomeStore) Count(ctx context.Context, filter OutcomeFilter) (int, error) {
	where, args := []string{"1=1"}, []any{}
	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, string(filter.Symbol))
	}
	if filter.Horizon != "" {
		where = append(where, "horizon_name = ?")
		args = append(args, filter.Horizon)
	}
	if filter.Preset != "" {
		where = append(where, "preset = ?")
		args = append(args, string(filter.Preset))
	}
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, string(filter.Role))
	}
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM outcomes WHERE %s`, strings.Join(where, " AND "))
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errs.Wrap(errs.KindTransient, "outcome.count", "query failed", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- governanceStore : GovernanceStore ----

type governanceStore struct{ db *sql.DB }

func (s governanceStore) Get(ctx context.Context, symbol model.Symbol) (model.GovernanceState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT mode, latch_until, consecutive_healthy_days,
		consecutive_weak_evals, frozen_policy_hash, history FROM governance_state WHERE symbol = ?`, string(symbol))
	var (
		mode                    string
		latchMS                 int64
		healthyDays, weakEvals  int
		frozenHash              string
		historyBlob             []byte
	)
	err := row.Scan(&mode, &latchMS, &healthyDays, &weakEvals, &frozenHash, &historyBlob)
	if err == sql.ErrNoRows {
		return model.GovernanceState{Symbol: symbol, Mode: model.ModeNormal}, nil
	}
	if err != nil {
		return model.GovernanceState{}, errs.Wrap(errs.KindTransient, "governance.get", "query failed", err)
	}
	state := model.GovernanceState{
		Symbol:                 symbol,
		Mode:                   model.GovernanceMode(mode),
		LatchUntil:             time.UnixMilli(latchMS).UTC(),
		ConsecutiveHealthyDays: healthyDays,
		ConsecutiveWeakEvals:   weakEvals,
		FrozenPolicyHash:       frozenHash,
	}
	if len(historyBlob) > 0 {
		_ = msgpack.Unmarshal(historyBlob, &state.History)
	}
	return state, nil
}

func (s governanceStore) Save(ctx context.Context, state model.GovernanceState) error {
	blob, err := msgpack.Marshal(state.History)
	if err != nil {
		return errs.Wrap(errs.KindFatal, "governance.save", "encode history failed", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO governance_state (symbol, mode, latch_until, consecutive_healthy_days, consecutive_weak_evals, frozen_policy_hash, history)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(symbol) DO UPDATE SET mode=excluded.mode, latch_until=excluded.latch_until,
			consecutive_healthy_days=excluded.consecutive_healthy_days, consecutive_weak_evals=excluded.consecutive_weak_evals,
			frozen_policy_hash=excluded.frozen_policy_hash, history=excluded.history`,
		string(state.Symbol), string(state.Mode), state.LatchUntil.UnixMilli(),
		state.ConsecutiveHealthyDays, state.ConsecutiveWeakEvals, state.FrozenPolicyHash, blob)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "governance.save", "upsert failed", err)
	}
	return nil
}

// ---- schedulerStore : SchedulerStore ----

type schedulerStore struct{ db *sql.DB }

func (s schedulerStore) Get(ctx context.Context, jobID string) (SchedulerState, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT job_id, enabled, schedule_utc, next_run_at, last_run_at,
		last_status, locked_until, owner, run_id FROM scheduler_state WHERE job_id = ?`, jobID)
	var (
		id                             string
		enabled                        int
		scheduleUTC, lastStatus, owner string
		runID                          string
		nextRunMS, lastRunMS, lockedMS int64
	)
	err := row.Scan(&id, &enabled, &scheduleUTC, &nextRunMS, &lastRunMS, &lastStatus, &lockedMS, &owner, &runID)
	if err == sql.ErrNoRows {
		return SchedulerState{}, false, nil
	}
	if err != nil {
		return SchedulerState{}, false, errs.Wrap(errs.KindTransient, "scheduler.get", "query failed", err)
	}
	return SchedulerState{
		JobID:       id,
		Enabled:     enabled != 0,
		ScheduleUTC: scheduleUTC,
		NextRunAt:   time.UnixMilli(nextRunMS).UTC(),
		LastRunAt:   time.UnixMilli(lastRunMS).UTC(),
		LastStatus:  model.JobStatus(lastStatus),
		Lock: Lease{
			LockedUntil: time.UnixMilli(lockedMS).UTC(),
			Owner:       owner,
			RunID:       runID,
		},
	}, true, nil
}

func (s schedulerStore) Upsert(ctx context.Context, state SchedulerState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_state (job_id, enabled, schedule_utc, next_run_at, last_run_at, last_status, locked_until, owner, run_id)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(job_id) DO UPDATE SET enabled=excluded.enabled, schedule_utc=excluded.schedule_utc,
			next_run_at=excluded.next_run_at, last_run_at=excluded.last_run_at, last_status=excluded.last_status,
			locked_until=excluded.locked_until, owner=excluded.owner, run_id=excluded.run_id`,
		state.JobID, boolToInt(state.Enabled), state.ScheduleUTC, state.NextRunAt.UnixMilli(),
		state.LastRunAt.UnixMilli(), string(state.LastStatus), state.Lock.LockedUntil.UnixMilli(),
		state.Lock.Owner, state.Lock.RunID)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "scheduler.upsert", "upsert failed", err)
	}
	return nil
}

func (s schedulerStore) TryAcquire(ctx context.Context, jobID, owner, runID string, now time.Time, lease time.Duration) (bool, error) {
	// Ensure a row exists so the UPDATE below has something to compare
	// against on a job's very first run.
	_, _ = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO scheduler_state
		(job_id, enabled, schedule_utc, next_run_at, last_run_at, last_status, locked_until, owner, run_id)
		VALUES (?, 1, '', 0, 0, '', 0, '', '')`, jobID)

	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduler_state SET locked_until = ?, owner = ?, run_id = ?
		WHERE job_id = ? AND locked_until < ?`,
		now.Add(lease).UnixMilli(), owner, runID, jobID, now.UnixMilli())
	if err != nil {
		return false, errs.Wrap(errs.KindTransient, "scheduler.acquire", "update failed", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s schedulerStore) Release(ctx context.Context, jobID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduler_state SET locked_until = 0, owner = '', run_id = ''
		WHERE job_id = ? AND owner = ?`, jobID, owner)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "scheduler.release", "update failed", err)
	}
	return nil
}

// ---- alertLogStore : AlertLog ----

type alertLogStore struct{ db *sql.DB }

func (s alertLogStore) Append(ctx context.Context, event model.AlertEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alert_log (symbol, triggered_at, fingerprint, type, severity, key_context, blocked_by)
		VALUES (?,?,?,?,?,?,?)`,
		string(event.Symbol), event.TriggeredAt.UnixMilli(), event.Fingerprint, string(event.Type),
		string(event.Severity), event.KeyContext, string(event.BlockedBy))
	if err != nil {
		return errs.Wrap(errs.KindTransient, "alertlog.append", "insert failed", err)
	}
	return nil
}

func (s alertLogStore) Recent(ctx context.Context, symbol model.Symbol, since time.Time) ([]model.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, triggered_at, fingerprint, type, severity, key_context, blocked_by
		FROM alert_log WHERE symbol = ? AND triggered_at >= ? ORDER BY triggered_at ASC`,
		string(symbol), since.UnixMilli())
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "alertlog.recent", "query failed", err)
	}
	defer rows.Close()
	var out []model.AlertEvent
	for rows.Next() {
		var (
			e                        model.AlertEvent
			sym, typ, sev, blockedBy string
			triggeredMS              int64
		)
		if err := rows.Scan(&sym, &triggeredMS, &e.Fingerprint, &typ, &sev, &e.KeyContext, &blockedBy); err != nil {
			return nil, err
		}
		e.Symbol = model.Symbol(sym)
		e.Type = model.AlertType(typ)
		e.Severity = model.AlertSeverity(sev)
		e.BlockedBy = model.BlockedReason(blockedBy)
		e.TriggeredAt = time.UnixMilli(triggeredMS).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- jobRunStore : JobRunStore ----

type jobRunStore struct{ db *sql.DB }

func (s jobRunStore) Create(ctx context.Context, run model.JobRun) error {
	blob, err := msgpack.Marshal(run.Steps)
	if err != nil {
		return errs.Wrap(errs.KindFatal, "jobrun.create", "encode steps failed", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_runs (run_id, job_id, trigger, started_at, finished_at, status, steps, summary)
		VALUES (?,?,?,?,?,?,?,?)`,
		run.RunID, run.JobID, string(run.Trigger), run.StartedAt.UnixMilli(), 0, string(run.Status), blob, run.Summary)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "jobrun.create", "insert failed", err)
	}
	return nil
}

func (s jobRunStore) Update(ctx context.Context, run model.JobRun) error {
	blob, err := msgpack.Marshal(run.Steps)
	if err != nil {
		return errs.Wrap(errs.KindFatal, "jobrun.update", "encode steps failed", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE job_runs SET finished_at = ?, status = ?, steps = ?, summary = ? WHERE run_id = ?`,
		run.FinishedAt.UnixMilli(), string(run.Status), blob, run.Summary, run.RunID)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "jobrun.update", "update failed", err)
	}
	return nil
}

func (s jobRunStore) Get(ctx context.Context, runID string) (model.JobRun, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, job_id, trigger, started_at, finished_at, status, steps, summary
		FROM job_runs WHERE run_id = ?`, runID)
	return scanJobRun(row)
}

func (s jobRunStore) RunningFor(ctx context.Context, jobID string) (model.JobRun, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, job_id, trigger, started_at, finished_at, status, steps, summary
		FROM job_runs WHERE job_id = ? AND status = ? ORDER BY started_at DESC LIMIT 1`, jobID, string(model.JobRunning))
	return scanJobRun(row)
}

func scanJobRun(row *sql.Row) (model.JobRun, bool, error) {
	var (
		run                   model.JobRun
		trigger, status       string
		startedMS, finishedMS int64
		stepsBlob             []byte
	)
	err := row.Scan(&run.RunID, &run.JobID, &trigger, &startedMS, &finishedMS, &status, &stepsBlob, &run.Summary)
	if err == sql.ErrNoRows {
		return model.JobRun{}, false, nil
	}
	if err != nil {
		return model.JobRun{}, false, errs.Wrap(errs.KindTransient, "jobrun.get", "query failed", err)
	}
	run.Trigger = model.Trigger(trigger)
	run.Status = model.JobStatus(status)
	run.StartedAt = time.UnixMilli(startedMS).UTC()
	if finishedMS > 0 {
		run.FinishedAt = time.UnixMilli(finishedMS).UTC()
	}
	if len(stepsBlob) > 0 {
		_ = msgpack.Unmarshal(stepsBlob, &run.Steps)
	}
	return run, true, nil
}

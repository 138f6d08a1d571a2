package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"vapulse/pkg/contracts/domain"
)

const dateLayout = "2006-01-02"

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite implements Store on a SQLite database via modernc.org/sqlite.
type SQLite struct {
	db *sql.DB
	q  querier
}

// OpenSQLite opens or creates the database at path (":memory:" for tests)
// and ensures the schema exists. The connection pool is pinned to a single
// connection; SQLite serializes writers anyway and a single connection keeps
// in-memory databases coherent.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := createSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db, q: db}, nil
}

func createSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS station (
		station_id           TEXT PRIMARY KEY,
		state                TEXT NOT NULL DEFAULT '',
		prefix               TEXT NOT NULL DEFAULT '',
		legacy               INTEGER NOT NULL DEFAULT 0,
		active               INTEGER NOT NULL DEFAULT 1,
		germane              INTEGER NOT NULL DEFAULT 1,
		awol                 INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_report          TEXT,
		last_failure         TEXT,
		created              TEXT NOT NULL,
		updated              TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_station_prefix ON station(prefix);

	CREATE TABLE IF NOT EXISTS raw_report (
		report_id   INTEGER PRIMARY KEY AUTOINCREMENT,
		station_id  TEXT NOT NULL REFERENCES station(station_id),
		file_name   TEXT NOT NULL,
		size        INTEGER NOT NULL,
		report      BLOB NOT NULL,
		report_hash BLOB NOT NULL UNIQUE,
		downloaded  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_raw_report_station ON raw_report(station_id);

	CREATE TABLE IF NOT EXISTS wait_time_record (
		station_id       TEXT NOT NULL,
		report_id        INTEGER NOT NULL,
		report_date      TEXT NOT NULL,
		appointment_type TEXT NOT NULL,
		established      REAL,
		"new"            REAL,
		source           TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (station_id, report_date, appointment_type)
	);

	CREATE TABLE IF NOT EXISTS satisfaction_record (
		station_id       TEXT NOT NULL,
		report_id        INTEGER NOT NULL,
		report_date      TEXT NOT NULL,
		appointment_type TEXT NOT NULL,
		percent          REAL,
		PRIMARY KEY (station_id, report_date, appointment_type)
	);

	CREATE TABLE IF NOT EXISTS wait_time_rollup (
		station_id         TEXT NOT NULL,
		report_id          INTEGER NOT NULL,
		report_date        TEXT NOT NULL,
		appointment_type   TEXT NOT NULL,
		window_days        INTEGER NOT NULL,
		established_avg    REAL,
		established_std    REAL,
		established_median REAL,
		new_avg            REAL,
		new_std            REAL,
		new_median         REAL,
		PRIMARY KEY (station_id, report_id, report_date, appointment_type, window_days)
	);

	CREATE INDEX IF NOT EXISTS idx_wait_time_rollup_date ON wait_time_rollup(report_date);
	`
	_, err := db.Exec(schema)
	return err
}

// RunInTx implements Store.
func (s *SQLite) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&SQLite{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLite) CreateStation(ctx context.Context, st domain.Station) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO station
			(station_id, state, prefix, legacy, active, germane, awol,
			 consecutive_failures, last_report, last_failure, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.StationID, st.State, st.Prefix, boolInt(st.Legacy), boolInt(st.Active),
		boolInt(st.Germane), boolInt(st.AWOL), st.ConsecutiveFailures,
		timePtrText(st.LastReport), timePtrText(st.LastFailure),
		timeText(st.Created), timeText(st.Updated))
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("station %s: %w", st.StationID, ErrDuplicate)
		}
		return fmt.Errorf("insert station %s: %w", st.StationID, err)
	}
	return nil
}

func (s *SQLite) UpdateStation(ctx context.Context, st domain.Station) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE station
		SET state = ?, prefix = ?, legacy = ?, active = ?, germane = ?, awol = ?,
		    consecutive_failures = ?, last_report = ?, last_failure = ?,
		    updated = ?
		WHERE station_id = ?`,
		st.State, st.Prefix, boolInt(st.Legacy), boolInt(st.Active),
		boolInt(st.Germane), boolInt(st.AWOL), st.ConsecutiveFailures,
		timePtrText(st.LastReport), timePtrText(st.LastFailure),
		timeText(time.Now().UTC()), st.StationID)
	if err != nil {
		return fmt.Errorf("update station %s: %w", st.StationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("station %s: %w", st.StationID, ErrNotFound)
	}
	return nil
}

const stationColumns = `station_id, state, prefix, legacy, active, germane, awol,
	consecutive_failures, last_report, last_failure, created, updated`

func (s *SQLite) StationByID(ctx context.Context, stationID string) (*domain.Station, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+stationColumns+` FROM station WHERE station_id = ?`, stationID)
	return scanStation(row)
}

func (s *SQLite) StationByPrefix(ctx context.Context, prefix string) (*domain.Station, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+stationColumns+` FROM station WHERE prefix = ?`, strings.TrimSpace(prefix))
	return scanStation(row)
}

func (s *SQLite) ListStations(ctx context.Context, filter StationFilter) ([]domain.Station, error) {
	query := `SELECT ` + stationColumns + ` FROM station`
	switch filter {
	case StationsActive:
		query += ` WHERE active = 1`
	case StationsGermane:
		query += ` WHERE germane = 1 AND active = 1`
	}
	query += ` ORDER BY station_id`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	defer rows.Close()

	var out []domain.Station
	for rows.Next() {
		st, err := scanStationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertRawReport(ctx context.Context, r *domain.RawReport) error {
	// ON CONFLICT DO NOTHING keeps the enclosing transaction usable when
	// two ingestion paths race on the same fingerprint.
	row := s.q.QueryRowContext(ctx, `
		INSERT INTO raw_report (station_id, file_name, size, report, report_hash, downloaded)
		VALUES (?, lower(?), ?, ?, ?, ?)
		ON CONFLICT (report_hash) DO NOTHING
		RETURNING report_id`,
		r.StationID, r.FileName, r.Size, r.Payload, r.Fingerprint, timeText(r.Downloaded))
	if err := row.Scan(&r.ReportID); err != nil {
		if err == sql.ErrNoRows {
			return ErrDuplicate
		}
		return fmt.Errorf("insert raw report for station %s: %w", r.StationID, err)
	}
	r.FileName = strings.ToLower(r.FileName)
	return nil
}

func (s *SQLite) RawReportByFingerprint(ctx context.Context, fingerprint []byte) (*domain.RawReport, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT report_id, station_id, file_name, size, report, report_hash, downloaded
		FROM raw_report WHERE report_hash = ?`, fingerprint)

	var r domain.RawReport
	var downloaded string
	err := row.Scan(&r.ReportID, &r.StationID, &r.FileName, &r.Size, &r.Payload, &r.Fingerprint, &downloaded)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("raw report by fingerprint: %w", err)
	}
	r.Downloaded, err = parseTimeText(downloaded)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLite) UpsertWaitTime(ctx context.Context, rec domain.WaitTimeRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO wait_time_record
			(station_id, report_id, report_date, appointment_type, established, "new", source)
		VALUES (?, ?, ?, upper(?), ?, ?, ?)
		ON CONFLICT (station_id, report_date, appointment_type)
		DO UPDATE SET established = excluded.established,
		              "new" = excluded."new",
		              source = excluded.source,
		              report_id = excluded.report_id`,
		rec.StationID, rec.ReportID, rec.ReportDate.Format(dateLayout),
		rec.AppointmentType, floatPtr(rec.Established), floatPtr(rec.New), rec.Source)
	if err != nil {
		return fmt.Errorf("upsert wait time %s/%s: %w", rec.StationID, rec.AppointmentType, err)
	}
	return nil
}

func (s *SQLite) UpsertSatisfaction(ctx context.Context, rec domain.SatisfactionRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO satisfaction_record
			(station_id, report_id, report_date, appointment_type, percent)
		VALUES (?, ?, ?, upper(?), ?)
		ON CONFLICT (station_id, report_date, appointment_type)
		DO UPDATE SET percent = excluded.percent,
		              report_id = excluded.report_id`,
		rec.StationID, rec.ReportID, rec.ReportDate.Format(dateLayout),
		rec.AppointmentType, floatPtr(rec.Percent))
	if err != nil {
		return fmt.Errorf("upsert satisfaction %s/%s: %w", rec.StationID, rec.AppointmentType, err)
	}
	return nil
}

func (s *SQLite) ListWaitTimes(ctx context.Context, q SeriesQuery) ([]domain.WaitTimeRecord, error) {
	query := `SELECT station_id, report_id, report_date, appointment_type, established, "new", source
		FROM wait_time_record`
	where, args := seriesWhere(q)
	query += where + ` ORDER BY report_date, station_id, appointment_type`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list wait times: %w", err)
	}
	defer rows.Close()

	var out []domain.WaitTimeRecord
	for rows.Next() {
		rec, err := scanWaitTime(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) ListSatisfaction(ctx context.Context, q SeriesQuery) ([]domain.SatisfactionRecord, error) {
	query := `SELECT station_id, report_id, report_date, appointment_type, percent
		FROM satisfaction_record`
	where, args := seriesWhere(q)
	query += where + ` ORDER BY report_date, station_id, appointment_type`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list satisfaction: %w", err)
	}
	defer rows.Close()

	var out []domain.SatisfactionRecord
	for rows.Next() {
		var rec domain.SatisfactionRecord
		var date string
		var percent sql.NullFloat64
		if err := rows.Scan(&rec.StationID, &rec.ReportID, &date, &rec.AppointmentType, &percent); err != nil {
			return nil, fmt.Errorf("scan satisfaction: %w", err)
		}
		if rec.ReportDate, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("parse report date %q: %w", date, err)
		}
		rec.Percent = nullFloat(percent)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) MaxWaitTimeDate(ctx context.Context) (*time.Time, error) {
	var date sql.NullString
	if err := s.q.QueryRowContext(ctx,
		`SELECT max(report_date) FROM wait_time_record`).Scan(&date); err != nil {
		return nil, fmt.Errorf("max wait time date: %w", err)
	}
	if !date.Valid {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, date.String)
	if err != nil {
		return nil, fmt.Errorf("parse max report date %q: %w", date.String, err)
	}
	return &t, nil
}

func (s *SQLite) WaitTimePartitions(ctx context.Context, onDate *time.Time) ([]Partition, error) {
	query := `SELECT DISTINCT station_id, appointment_type FROM wait_time_record`
	var args []any
	if onDate != nil {
		query += ` WHERE report_date = ?`
		args = append(args, onDate.Format(dateLayout))
	}
	query += ` ORDER BY station_id, appointment_type`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("wait time partitions: %w", err)
	}
	defer rows.Close()

	var out []Partition
	for rows.Next() {
		var p Partition
		if err := rows.Scan(&p.StationID, &p.AppointmentType); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) WaitTimeSeries(ctx context.Context, stationID, appointmentType string, from, to time.Time) ([]domain.WaitTimeRecord, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT station_id, report_id, report_date, appointment_type, established, "new", source
		FROM wait_time_record
		WHERE station_id = ? AND appointment_type = ? AND report_date BETWEEN ? AND ?
		ORDER BY report_date`,
		stationID, appointmentType, from.Format(dateLayout), to.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("wait time series %s/%s: %w", stationID, appointmentType, err)
	}
	defer rows.Close()

	var out []domain.WaitTimeRecord
	for rows.Next() {
		rec, err := scanWaitTime(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertRollup(ctx context.Context, rec domain.RollupRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO wait_time_rollup
			(station_id, report_id, report_date, appointment_type, window_days,
			 established_avg, established_std, established_median,
			 new_avg, new_std, new_median)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (station_id, report_id, report_date, appointment_type, window_days)
		DO UPDATE SET established_avg = excluded.established_avg,
		              established_std = excluded.established_std,
		              established_median = excluded.established_median,
		              new_avg = excluded.new_avg,
		              new_std = excluded.new_std,
		              new_median = excluded.new_median`,
		rec.StationID, rec.ReportID, rec.ReportDate.Format(dateLayout),
		rec.AppointmentType, rec.WindowDays,
		floatPtr(rec.EstablishedAvg), floatPtr(rec.EstablishedStd), floatPtr(rec.EstablishedMedian),
		floatPtr(rec.NewAvg), floatPtr(rec.NewStd), floatPtr(rec.NewMedian))
	if err != nil {
		return fmt.Errorf("upsert rollup %s/%s w%d: %w", rec.StationID, rec.AppointmentType, rec.WindowDays, err)
	}
	return nil
}

func (s *SQLite) ListRollups(ctx context.Context, q RollupQuery) ([]domain.RollupRecord, error) {
	query := `SELECT station_id, report_id, report_date, appointment_type, window_days,
		established_avg, established_std, established_median, new_avg, new_std, new_median
		FROM wait_time_rollup`

	var conds []string
	var args []any
	if q.StationID != "" {
		conds = append(conds, `station_id = ?`)
		args = append(args, q.StationID)
	}
	if q.AppointmentType != "" {
		conds = append(conds, `appointment_type = ?`)
		args = append(args, strings.ToUpper(q.AppointmentType))
	}
	if q.WindowDays > 0 {
		conds = append(conds, `window_days = ?`)
		args = append(args, q.WindowDays)
	}
	if !q.From.IsZero() {
		conds = append(conds, `report_date >= ?`)
		args = append(args, q.From.Format(dateLayout))
	}
	if !q.To.IsZero() {
		conds = append(conds, `report_date <= ?`)
		args = append(args, q.To.Format(dateLayout))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY report_date, station_id, appointment_type, window_days`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rollups: %w", err)
	}
	defer rows.Close()

	var out []domain.RollupRecord
	for rows.Next() {
		var rec domain.RollupRecord
		var date string
		var ea, es, em, na, ns, nm sql.NullFloat64
		if err := rows.Scan(&rec.StationID, &rec.ReportID, &date, &rec.AppointmentType,
			&rec.WindowDays, &ea, &es, &em, &na, &ns, &nm); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		if rec.ReportDate, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("parse rollup date %q: %w", date, err)
		}
		rec.EstablishedAvg = nullFloat(ea)
		rec.EstablishedStd = nullFloat(es)
		rec.EstablishedMedian = nullFloat(em)
		rec.NewAvg = nullFloat(na)
		rec.NewStd = nullFloat(ns)
		rec.NewMedian = nullFloat(nm)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanStation(row *sql.Row) (*domain.Station, error) {
	st, err := scanStationScanner(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return st, err
}

func scanStationRow(rows *sql.Rows) (*domain.Station, error) {
	return scanStationScanner(rows)
}

func scanStationScanner(sc scanner) (*domain.Station, error) {
	var st domain.Station
	var legacy, active, germane, awol int
	var lastReport, lastFailure sql.NullString
	var created, updated string

	err := sc.Scan(&st.StationID, &st.State, &st.Prefix, &legacy, &active, &germane,
		&awol, &st.ConsecutiveFailures, &lastReport, &lastFailure, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan station: %w", err)
	}
	st.Legacy = legacy != 0
	st.Active = active != 0
	st.Germane = germane != 0
	st.AWOL = awol != 0
	if st.LastReport, err = parseNullTime(lastReport); err != nil {
		return nil, err
	}
	if st.LastFailure, err = parseNullTime(lastFailure); err != nil {
		return nil, err
	}
	if st.Created, err = parseTimeText(created); err != nil {
		return nil, err
	}
	if st.Updated, err = parseTimeText(updated); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanWaitTime(rows *sql.Rows) (domain.WaitTimeRecord, error) {
	var rec domain.WaitTimeRecord
	var date string
	var established, newPatients sql.NullFloat64
	if err := rows.Scan(&rec.StationID, &rec.ReportID, &date, &rec.AppointmentType,
		&established, &newPatients, &rec.Source); err != nil {
		return rec, fmt.Errorf("scan wait time: %w", err)
	}
	var err error
	if rec.ReportDate, err = time.Parse(dateLayout, date); err != nil {
		return rec, fmt.Errorf("parse report date %q: %w", date, err)
	}
	rec.Established = nullFloat(established)
	rec.New = nullFloat(newPatients)
	return rec, nil
}

func seriesWhere(q SeriesQuery) (string, []any) {
	var conds []string
	var args []any
	if q.StationID != "" {
		conds = append(conds, `station_id = ?`)
		args = append(args, q.StationID)
	}
	if q.AppointmentType != "" {
		conds = append(conds, `appointment_type = ?`)
		args = append(args, strings.ToUpper(q.AppointmentType))
	}
	if !q.From.IsZero() {
		conds = append(conds, `report_date >= ?`)
		args = append(args, q.From.Format(dateLayout))
	}
	if !q.To.IsZero() {
		conds = append(conds, `report_date <= ?`)
		args = append(args, q.To.Format(dateLayout))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(conds, ` AND `), args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeText(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timePtrText(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeText(*t)
}

func parseTimeText(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTimeText(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func floatPtr(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

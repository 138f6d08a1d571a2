package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vapulse/pkg/contracts/domain"
)

// pgQuerier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a PostgreSQL pool.
type Postgres struct {
	pool *pgxpool.Pool
	q    pgQuerier
}

// OpenPostgres connects to PostgreSQL and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Postgres{pool: pool, q: pool}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *Postgres) createSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS station (
		station_id           TEXT PRIMARY KEY,
		state                TEXT NOT NULL DEFAULT '',
		prefix               TEXT NOT NULL DEFAULT '',
		legacy               BOOLEAN NOT NULL DEFAULT FALSE,
		active               BOOLEAN NOT NULL DEFAULT TRUE,
		germane              BOOLEAN NOT NULL DEFAULT TRUE,
		awol                 BOOLEAN NOT NULL DEFAULT FALSE,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_report          TIMESTAMPTZ,
		last_failure         TIMESTAMPTZ,
		created              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated              TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_station_prefix ON station(prefix);

	CREATE TABLE IF NOT EXISTS raw_report (
		report_id   BIGSERIAL PRIMARY KEY,
		station_id  TEXT NOT NULL REFERENCES station(station_id),
		file_name   TEXT NOT NULL,
		size        BIGINT NOT NULL,
		report      BYTEA NOT NULL,
		report_hash BYTEA NOT NULL UNIQUE,
		downloaded  TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_raw_report_station ON raw_report(station_id);

	CREATE TABLE IF NOT EXISTS wait_time_record (
		station_id       TEXT NOT NULL,
		report_id        BIGINT NOT NULL,
		report_date      DATE NOT NULL,
		appointment_type TEXT NOT NULL,
		established      DOUBLE PRECISION,
		"new"            DOUBLE PRECISION,
		source           TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (station_id, report_date, appointment_type)
	);

	CREATE TABLE IF NOT EXISTS satisfaction_record (
		station_id       TEXT NOT NULL,
		report_id        BIGINT NOT NULL,
		report_date      DATE NOT NULL,
		appointment_type TEXT NOT NULL,
		percent          DOUBLE PRECISION,
		PRIMARY KEY (station_id, report_date, appointment_type)
	);

	CREATE TABLE IF NOT EXISTS wait_time_rollup (
		station_id         TEXT NOT NULL,
		report_id          BIGINT NOT NULL,
		report_date        DATE NOT NULL,
		appointment_type   TEXT NOT NULL,
		window_days        INTEGER NOT NULL,
		established_avg    DOUBLE PRECISION,
		established_std    DOUBLE PRECISION,
		established_median DOUBLE PRECISION,
		new_avg            DOUBLE PRECISION,
		new_std            DOUBLE PRECISION,
		new_median         DOUBLE PRECISION,
		PRIMARY KEY (station_id, report_id, report_date, appointment_type, window_days)
	);

	CREATE INDEX IF NOT EXISTS idx_wait_time_rollup_date ON wait_time_rollup(report_date);
	`
	if _, err := s.q.Exec(ctx, schema); err != nil {
		return err
	}
	return nil
}

// RunInTx implements Store.
func (s *Postgres) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Postgres{pool: s.pool, q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Postgres) CreateStation(ctx context.Context, st domain.Station) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO station
			(station_id, state, prefix, legacy, active, germane, awol,
			 consecutive_failures, last_report, last_failure, created, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		st.StationID, st.State, st.Prefix, st.Legacy, st.Active, st.Germane, st.AWOL,
		st.ConsecutiveFailures, st.LastReport, st.LastFailure, st.Created, st.Updated)
	if err != nil {
		if isPGUnique(err) {
			return fmt.Errorf("station %s: %w", st.StationID, ErrDuplicate)
		}
		return fmt.Errorf("insert station %s: %w", st.StationID, err)
	}
	return nil
}

func (s *Postgres) UpdateStation(ctx context.Context, st domain.Station) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE station
		SET state = $1, prefix = $2, legacy = $3, active = $4, germane = $5, awol = $6,
		    consecutive_failures = $7, last_report = $8, last_failure = $9, updated = NOW()
		WHERE station_id = $10`,
		st.State, st.Prefix, st.Legacy, st.Active, st.Germane, st.AWOL,
		st.ConsecutiveFailures, st.LastReport, st.LastFailure, st.StationID)
	if err != nil {
		return fmt.Errorf("update station %s: %w", st.StationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("station %s: %w", st.StationID, ErrNotFound)
	}
	return nil
}

func (s *Postgres) StationByID(ctx context.Context, stationID string) (*domain.Station, error) {
	return s.stationWhere(ctx, `station_id = $1`, stationID)
}

func (s *Postgres) StationByPrefix(ctx context.Context, prefix string) (*domain.Station, error) {
	return s.stationWhere(ctx, `prefix = $1`, strings.TrimSpace(prefix))
}

func (s *Postgres) stationWhere(ctx context.Context, cond string, arg any) (*domain.Station, error) {
	row := s.q.QueryRow(ctx, `SELECT `+stationColumns+` FROM station WHERE `+cond, arg)
	var st domain.Station
	err := row.Scan(&st.StationID, &st.State, &st.Prefix, &st.Legacy, &st.Active,
		&st.Germane, &st.AWOL, &st.ConsecutiveFailures, &st.LastReport, &st.LastFailure,
		&st.Created, &st.Updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan station: %w", err)
	}
	return &st, nil
}

func (s *Postgres) ListStations(ctx context.Context, filter StationFilter) ([]domain.Station, error) {
	query := `SELECT ` + stationColumns + ` FROM station`
	switch filter {
	case StationsActive:
		query += ` WHERE active`
	case StationsGermane:
		query += ` WHERE germane AND active`
	}
	query += ` ORDER BY station_id`

	rows, err := s.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	defer rows.Close()

	var out []domain.Station
	for rows.Next() {
		var st domain.Station
		if err := rows.Scan(&st.StationID, &st.State, &st.Prefix, &st.Legacy, &st.Active,
			&st.Germane, &st.AWOL, &st.ConsecutiveFailures, &st.LastReport, &st.LastFailure,
			&st.Created, &st.Updated); err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertRawReport(ctx context.Context, r *domain.RawReport) error {
	row := s.q.QueryRow(ctx, `
		INSERT INTO raw_report (station_id, file_name, size, report, report_hash, downloaded)
		VALUES ($1, lower($2), $3, $4, $5, $6)
		ON CONFLICT (report_hash) DO NOTHING
		RETURNING report_id`,
		r.StationID, r.FileName, r.Size, r.Payload, r.Fingerprint, r.Downloaded)
	if err := row.Scan(&r.ReportID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert raw report for station %s: %w", r.StationID, err)
	}
	r.FileName = strings.ToLower(r.FileName)
	return nil
}

func (s *Postgres) RawReportByFingerprint(ctx context.Context, fingerprint []byte) (*domain.RawReport, error) {
	row := s.q.QueryRow(ctx, `
		SELECT report_id, station_id, file_name, size, report, report_hash, downloaded
		FROM raw_report WHERE report_hash = $1`, fingerprint)

	var r domain.RawReport
	err := row.Scan(&r.ReportID, &r.StationID, &r.FileName, &r.Size, &r.Payload,
		&r.Fingerprint, &r.Downloaded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("raw report by fingerprint: %w", err)
	}
	return &r, nil
}

func (s *Postgres) UpsertWaitTime(ctx context.Context, rec domain.WaitTimeRecord) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO wait_time_record
			(station_id, report_id, report_date, appointment_type, established, "new", source)
		VALUES ($1, $2, $3, upper($4), $5, $6, $7)
		ON CONFLICT (station_id, report_date, appointment_type)
		DO UPDATE SET established = excluded.established,
		              "new" = excluded."new",
		              source = excluded.source,
		              report_id = excluded.report_id`,
		rec.StationID, rec.ReportID, rec.ReportDate, rec.AppointmentType,
		rec.Established, rec.New, rec.Source)
	if err != nil {
		return fmt.Errorf("upsert wait time %s/%s: %w", rec.StationID, rec.AppointmentType, err)
	}
	return nil
}

func (s *Postgres) UpsertSatisfaction(ctx context.Context, rec domain.SatisfactionRecord) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO satisfaction_record
			(station_id, report_id, report_date, appointment_type, percent)
		VALUES ($1, $2, $3, upper($4), $5)
		ON CONFLICT (station_id, report_date, appointment_type)
		DO UPDATE SET percent = excluded.percent,
		              report_id = excluded.report_id`,
		rec.StationID, rec.ReportID, rec.ReportDate, rec.AppointmentType, rec.Percent)
	if err != nil {
		return fmt.Errorf("upsert satisfaction %s/%s: %w", rec.StationID, rec.AppointmentType, err)
	}
	return nil
}

func (s *Postgres) ListWaitTimes(ctx context.Context, q SeriesQuery) ([]domain.WaitTimeRecord, error) {
	query := `SELECT station_id, report_id, report_date, appointment_type, established, "new", source
		FROM wait_time_record`
	where, args := pgSeriesWhere(q)
	query += where + ` ORDER BY report_date, station_id, appointment_type`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list wait times: %w", err)
	}
	defer rows.Close()
	return scanPGWaitTimes(rows)
}

func (s *Postgres) ListSatisfaction(ctx context.Context, q SeriesQuery) ([]domain.SatisfactionRecord, error) {
	query := `SELECT station_id, report_id, report_date, appointment_type, percent
		FROM satisfaction_record`
	where, args := pgSeriesWhere(q)
	query += where + ` ORDER BY report_date, station_id, appointment_type`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list satisfaction: %w", err)
	}
	defer rows.Close()

	var out []domain.SatisfactionRecord
	for rows.Next() {
		var rec domain.SatisfactionRecord
		if err := rows.Scan(&rec.StationID, &rec.ReportID, &rec.ReportDate,
			&rec.AppointmentType, &rec.Percent); err != nil {
			return nil, fmt.Errorf("scan satisfaction: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) MaxWaitTimeDate(ctx context.Context) (*time.Time, error) {
	var max *time.Time
	if err := s.q.QueryRow(ctx,
		`SELECT max(report_date) FROM wait_time_record`).Scan(&max); err != nil {
		return nil, fmt.Errorf("max wait time date: %w", err)
	}
	return max, nil
}

func (s *Postgres) WaitTimePartitions(ctx context.Context, onDate *time.Time) ([]Partition, error) {
	query := `SELECT DISTINCT station_id, appointment_type FROM wait_time_record`
	var args []any
	if onDate != nil {
		query += ` WHERE report_date = $1`
		args = append(args, *onDate)
	}
	query += ` ORDER BY station_id, appointment_type`

	rows, err := s.q.Query(ctx, query, args...)
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

func (s *Postgres) WaitTimeSeries(ctx context.Context, stationID, appointmentType string, from, to time.Time) ([]domain.WaitTimeRecord, error) {
	rows, err := s.q.Query(ctx, `
		SELECT station_id, report_id, report_date, appointment_type, established, "new", source
		FROM wait_time_record
		WHERE station_id = $1 AND appointment_type = $2 AND report_date BETWEEN $3 AND $4
		ORDER BY report_date`,
		stationID, appointmentType, from, to)
	if err != nil {
		return nil, fmt.Errorf("wait time series %s/%s: %w", stationID, appointmentType, err)
	}
	defer rows.Close()
	return scanPGWaitTimes(rows)
}

func (s *Postgres) UpsertRollup(ctx context.Context, rec domain.RollupRecord) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO wait_time_rollup
			(station_id, report_id, report_date, appointment_type, window_days,
			 established_avg, established_std, established_median,
			 new_avg, new_std, new_median)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (station_id, report_id, report_date, appointment_type, window_days)
		DO UPDATE SET established_avg = excluded.established_avg,
		              established_std = excluded.established_std,
		              established_median = excluded.established_median,
		              new_avg = excluded.new_avg,
		              new_std = excluded.new_std,
		              new_median = excluded.new_median`,
		rec.StationID, rec.ReportID, rec.ReportDate, rec.AppointmentType, rec.WindowDays,
		rec.EstablishedAvg, rec.EstablishedStd, rec.EstablishedMedian,
		rec.NewAvg, rec.NewStd, rec.NewMedian)
	if err != nil {
		return fmt.Errorf("upsert rollup %s/%s w%d: %w", rec.StationID, rec.AppointmentType, rec.WindowDays, err)
	}
	return nil
}

func (s *Postgres) ListRollups(ctx context.Context, q RollupQuery) ([]domain.RollupRecord, error) {
	query := `SELECT station_id, report_id, report_date, appointment_type, window_days,
		established_avg, established_std, established_median, new_avg, new_std, new_median
		FROM wait_time_rollup`

	var conds []string
	var args []any
	if q.StationID != "" {
		args = append(args, q.StationID)
		conds = append(conds, fmt.Sprintf(`station_id = $%d`, len(args)))
	}
	if q.AppointmentType != "" {
		args = append(args, strings.ToUpper(q.AppointmentType))
		conds = append(conds, fmt.Sprintf(`appointment_type = $%d`, len(args)))
	}
	if q.WindowDays > 0 {
		args = append(args, q.WindowDays)
		conds = append(conds, fmt.Sprintf(`window_days = $%d`, len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conds = append(conds, fmt.Sprintf(`report_date >= $%d`, len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conds = append(conds, fmt.Sprintf(`report_date <= $%d`, len(args)))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY report_date, station_id, appointment_type, window_days`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rollups: %w", err)
	}
	defer rows.Close()

	var out []domain.RollupRecord
	for rows.Next() {
		var rec domain.RollupRecord
		if err := rows.Scan(&rec.StationID, &rec.ReportID, &rec.ReportDate,
			&rec.AppointmentType, &rec.WindowDays,
			&rec.EstablishedAvg, &rec.EstablishedStd, &rec.EstablishedMedian,
			&rec.NewAvg, &rec.NewStd, &rec.NewMedian); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func scanPGWaitTimes(rows pgx.Rows) ([]domain.WaitTimeRecord, error) {
	var out []domain.WaitTimeRecord
	for rows.Next() {
		var rec domain.WaitTimeRecord
		if err := rows.Scan(&rec.StationID, &rec.ReportID, &rec.ReportDate,
			&rec.AppointmentType, &rec.Established, &rec.New, &rec.Source); err != nil {
			return nil, fmt.Errorf("scan wait time: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func pgSeriesWhere(q SeriesQuery) (string, []any) {
	var conds []string
	var args []any
	if q.StationID != "" {
		args = append(args, q.StationID)
		conds = append(conds, fmt.Sprintf(`station_id = $%d`, len(args)))
	}
	if q.AppointmentType != "" {
		args = append(args, strings.ToUpper(q.AppointmentType))
		conds = append(conds, fmt.Sprintf(`appointment_type = $%d`, len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conds = append(conds, fmt.Sprintf(`report_date >= $%d`, len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conds = append(conds, fmt.Sprintf(`report_date <= $%d`, len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(conds, ` AND `), args
}

func isPGUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

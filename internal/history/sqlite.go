package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("history: run not found")

// Options 连接池参数
type Options struct {
	MaxOpenConns           int
	MaxIdleConns           int
	ConnMaxLifetimeSeconds int
}

// runDAO 数据访问对象
type runDAO struct {
	ID        string
	User      string
	Server    string
	InputDir  string
	SessionID string
	Stage     string
	Status    string
	Succeeded bool
	Outputs   string // JSON 编码
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

type runRepoSQLite struct {
	db *sql.DB
}

// NewRunRepoSQLite 创建基于 SQLite 的运行记录仓库
func NewRunRepoSQLite(dbPath string, opts *Options) (Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts != nil {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.ConnMaxLifetimeSeconds > 0 {
			db.SetConnMaxLifetime(time.Duration(opts.ConnMaxLifetimeSeconds) * time.Second)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &runRepoSQLite{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logrus.Debugf("Run history initialized with SQLite at %s", dbPath)
	return repo, nil
}

func (r *runRepoSQLite) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		user TEXT NOT NULL,
		server TEXT,
		input_dir TEXT,
		session_id TEXT,
		stage TEXT NOT NULL,
		status TEXT,
		succeeded INTEGER NOT NULL DEFAULT 0,
		outputs TEXT,  -- JSON 数组
		error TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	if _, err := r.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

func (r *runRepoSQLite) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Save 插入或覆盖一条运行记录
func (r *runRepoSQLite) Save(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return errors.New("history: run id is required")
	}
	outputs := run.Outputs
	if outputs == nil {
		outputs = []string{}
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}

	dao := runDAO{
		ID:        run.ID,
		User:      run.User,
		Server:    run.Server,
		InputDir:  run.InputDir,
		SessionID: run.SessionID,
		Stage:     run.Stage,
		Status:    run.Status,
		Succeeded: run.Succeeded,
		Outputs:   string(outputsJSON),
		Error:     run.Error,
		StartedAt: run.StartedAt,
		EndedAt:   run.EndedAt,
	}
	if dao.StartedAt.IsZero() {
		dao.StartedAt = time.Now()
	}

	query := `
		INSERT OR REPLACE INTO runs (
			id, user, server, input_dir, session_id, stage, status,
			succeeded, outputs, error, started_at, ended_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		dao.ID,
		dao.User,
		dao.Server,
		dao.InputDir,
		dao.SessionID,
		dao.Stage,
		dao.Status,
		dao.Succeeded,
		dao.Outputs,
		dao.Error,
		dao.StartedAt,
		dao.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

const selectRuns = `
	SELECT id, user, server, input_dir, session_id, stage, status,
	       succeeded, outputs, error, started_at, ended_at
	FROM runs
`

func (r *runRepoSQLite) Get(ctx context.Context, id string) (*Run, error) {
	rows, err := r.db.QueryContext(ctx, selectRuns+" WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return runs[0], nil
}

// List 查询运行记录，最新的在前
func (r *runRepoSQLite) List(ctx context.Context, options *QueryOptions) ([]*Run, error) {
	if options == nil {
		options = &QueryOptions{}
	}
	query := selectRuns + " WHERE 1=1"
	args := []interface{}{}

	if options.User != "" {
		query += " AND user = ?"
		args = append(args, options.User)
	}
	if options.Since != nil {
		query += " AND started_at >= ?"
		args = append(args, *options.Since)
	}

	query += " ORDER BY started_at DESC"

	limit := options.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, options.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		var (
			dao     runDAO
			endedAt sql.NullTime
		)
		err := rows.Scan(
			&dao.ID,
			&dao.User,
			&dao.Server,
			&dao.InputDir,
			&dao.SessionID,
			&dao.Stage,
			&dao.Status,
			&dao.Succeeded,
			&dao.Outputs,
			&dao.Error,
			&dao.StartedAt,
			&endedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		run := &Run{
			ID:        dao.ID,
			User:      dao.User,
			Server:    dao.Server,
			InputDir:  dao.InputDir,
			SessionID: dao.SessionID,
			Stage:     dao.Stage,
			Status:    dao.Status,
			Succeeded: dao.Succeeded,
			Error:     dao.Error,
			StartedAt: dao.StartedAt,
		}
		if endedAt.Valid {
			run.EndedAt = endedAt.Time
		}
		if dao.Outputs != "" {
			if err := json.Unmarshal([]byte(dao.Outputs), &run.Outputs); err != nil {
				logrus.Warnf("Run %s has malformed outputs: %v", dao.ID, err)
			}
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

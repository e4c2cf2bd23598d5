// Package history keeps a local ledger of mutation runs in SQLite.
package history

import (
	"context"
	"time"
)

// Run 一次变异运行的记录
type Run struct {
	ID        string
	User      string
	Server    string
	InputDir  string
	SessionID string
	Stage     string
	Status    string
	Succeeded bool
	Outputs   []string
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// QueryOptions 查询条件
type QueryOptions struct {
	User   string
	Since  *time.Time
	Limit  int
	Offset int
}

// Repository 运行记录仓库
type Repository interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, options *QueryOptions) ([]*Run, error)
	Close() error
}

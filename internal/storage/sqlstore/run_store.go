package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"Chorus-Network/internal/credits"
	"Chorus-Network/internal/dispatch"
	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/pipeline"
	"Chorus-Network/internal/run"
)

const runColumns = `run_id, pipeline_id, requester_id, graph, input, budget, rerun_of, status, stop_requested,
        last_error, error_code, result, created_at, updated_at`

const (
	insertRunSQL = `INSERT INTO pipeline_runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectRunSQL = `SELECT ` + runColumns + ` FROM pipeline_runs WHERE run_id = ?`
	claimRunSQL  = `UPDATE pipeline_runs SET status = ?, updated_at = ? WHERE run_id = ? AND status = ?`

	completeRunSQL = `UPDATE pipeline_runs SET status = ?, result = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE run_id = ?`
	failRunSQL = `UPDATE pipeline_runs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE run_id = ?`

	stopPendingRunSQL = `UPDATE pipeline_runs SET status = ?, stop_requested = 1, last_error = ?, error_code = ?, updated_at = ?
        WHERE run_id = ? AND status = ?`
	stopRunningRunSQL = `UPDATE pipeline_runs SET stop_requested = 1, updated_at = ? WHERE run_id = ? AND status = ?`

	runStatsSQL = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM pipeline_runs`
)

// RunStore 使用关系型数据库保存流水线运行状态，多个 chorusd 实例可以共享。
type RunStore struct {
	db  *DB
	now func() time.Time
}

// NewRunStore 基于共享连接创建运行存储。
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db, now: time.Now}
}

// Create 实现 run.Store。
func (s *RunStore) Create(ctx context.Context, r *run.Run) error {
	if r == nil {
		return xerrors.Validation("run 不能为空")
	}
	if strings.TrimSpace(r.ID) == "" {
		return xerrors.Validation("运行 ID 不能为空")
	}
	now := s.now().Unix()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	graph, err := json.Marshal(r.Graph)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码流水线快照失败")
	}
	input, err := marshalJSON(r.Input)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码运行输入失败")
	}
	result, err := marshalJSON(r.Result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码运行结果失败")
	}

	_, err = s.db.exec(ctx, s.db.db, insertRunSQL,
		r.ID,
		r.PipelineID,
		r.RequesterID,
		string(graph),
		input,
		int64(r.Budget),
		r.RerunOf,
		string(r.Status),
		boolToInt(r.StopRequested),
		r.LastError,
		r.ErrorCode,
		result,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return run.ErrRunConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行记录失败")
	}
	return nil
}

// Get 实现 run.Store。
func (s *RunStore) Get(ctx context.Context, id string) (*run.Run, error) {
	r, err := scanRun(s.db.queryRow(ctx, s.db.db, selectRunSQL, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, run.ErrRunNotFound
		}
		return nil, err
	}
	return r, nil
}

// Claim 仅当运行处于 pending 时将其切换为 running。
func (s *RunStore) Claim(ctx context.Context, id string) (*run.Run, error) {
	res, err := s.db.exec(ctx, s.db.db, claimRunSQL,
		string(run.StatusRunning),
		s.now().Unix(),
		id,
		string(run.StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		if current.Terminal() {
			return current, run.ErrRunCompleted
		}
		return current, run.ErrRunConflict
	}
	return current, nil
}

// Complete 写入流水线执行结果。
func (s *RunStore) Complete(ctx context.Context, id string, result *pipeline.RunResult) error {
	status := run.StatusOf(result)
	var lastError, code string
	if result != nil && status == run.StatusFailed {
		lastError = result.Error
		code = string(result.ErrorCode)
	}
	encoded, err := marshalJSON(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码运行结果失败")
	}
	res, err := s.db.exec(ctx, s.db.db, completeRunSQL,
		string(status),
		encoded,
		lastError,
		code,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行结果失败")
	}
	return s.ensureAffected(ctx, res, id)
}

// MarkFailed 标记运行失败。
func (s *RunStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	res, err := s.db.exec(ctx, s.db.db, failRunSQL,
		string(run.StatusFailed),
		lastError,
		string(code),
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记运行失败失败")
	}
	return s.ensureAffected(ctx, res, id)
}

// RequestStop 实现 run.Store。pending 的运行直接结束；running 的运行只设置
// 停止标记，由执行它的 worker 在下一个节点开始前检查。
func (s *RunStore) RequestStop(ctx context.Context, id string) (*run.Run, error) {
	now := s.now().Unix()
	res, err := s.db.exec(ctx, s.db.db, stopPendingRunSQL,
		string(run.StatusFailed),
		pipeline.StoppedMessage,
		string(run.CodeRunStopped),
		now,
		id,
		string(run.StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "停止运行失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		res, err = s.db.exec(ctx, s.db.db, stopRunningRunSQL, now, id, string(run.StatusRunning))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "停止运行失败")
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			current, getErr := s.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			if current.Terminal() {
				return current, run.ErrRunCompleted
			}
			return current, run.ErrRunConflict
		}
	}
	return s.Get(ctx, id)
}

// List 返回符合过滤条件的运行。
func (s *RunStore) List(ctx context.Context, opts run.ListOptions) ([]*run.Run, error) {
	opts.ApplyDefaults()

	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	clause, filterArgs := buildRunFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, run_id DESC"
	if opts.Order == run.SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, run_id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.query(ctx, s.db.db, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行列表失败")
	}
	defer rows.Close()

	runs := make([]*run.Run, 0, opts.Limit)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行失败")
	}
	return runs, nil
}

// Stats 返回符合过滤条件的运行聚合信息。
func (s *RunStore) Stats(ctx context.Context, opts run.ListOptions) (run.Stats, error) {
	opts.ApplyDefaults()

	query := runStatsSQL
	clause, filterArgs := buildRunFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(run.StatusPending),
		string(run.StatusRunning),
		string(run.StatusSucceeded),
		string(run.StatusFailed),
	}
	args = append(args, filterArgs...)

	var stats run.Stats
	if err := s.db.queryRow(ctx, s.db.db, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return run.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行统计失败")
	}
	return stats, nil
}

// Close 不关闭共享连接。
func (s *RunStore) Close() error { return nil }

// ensureAffected 在没有行被更新时区分“记录不存在”与“值未变化”。
func (s *RunStore) ensureAffected(ctx context.Context, res sql.Result, id string) error {
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	_, err := s.Get(ctx, id)
	return storageErr(err, "查询运行失败")
}

func buildRunFilter(opts run.ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.PipelineID != "" {
		conditions = append(conditions, "pipeline_id = ?")
		args = append(args, opts.PipelineID)
	}
	if opts.RequesterID != "" {
		conditions = append(conditions, "requester_id = ?")
		args = append(args, opts.RequesterID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func scanRun(row scanner) (*run.Run, error) {
	var (
		r         run.Run
		graph     string
		input     sql.NullString
		budget    int64
		status    string
		stop      int
		lastError sql.NullString
		result    sql.NullString
	)
	if err := row.Scan(
		&r.ID,
		&r.PipelineID,
		&r.RequesterID,
		&graph,
		&input,
		&budget,
		&r.RerunOf,
		&status,
		&stop,
		&lastError,
		&r.ErrorCode,
		&result,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
	}
	r.Budget = credits.Amount(budget)
	r.Status = run.Status(status)
	r.StopRequested = stop != 0
	r.LastError = lastError.String

	if err := json.Unmarshal([]byte(graph), &r.Graph); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析流水线快照失败")
	}
	if input.Valid && input.String != "" {
		var payload dispatch.Payload
		if err := json.Unmarshal([]byte(input.String), &payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行输入失败")
		}
		r.Input = payload
	}
	if result.Valid && result.String != "" {
		var res pipeline.RunResult
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行结果失败")
		}
		r.Result = &res
	}
	return &r, nil
}

// marshalJSON 将 nil 编码为 SQL NULL。
func marshalJSON(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case dispatch.Payload:
		if val == nil {
			return sql.NullString{}, nil
		}
	case *pipeline.RunResult:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

var _ run.Store = (*RunStore)(nil)

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/registry"
)

const agentColumns = `agent_id, owner_id, name, endpoint, version, skills, reputation_score, status,
        jobs_completed, jobs_failed, registered_at, last_heartbeat`

const (
	selectAgentSQL       = `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = ?`
	selectAgentLockedSQL = selectAgentSQL + ` FOR UPDATE`
	listAgentsSQL        = `SELECT ` + agentColumns + ` FROM agents ORDER BY registered_at ASC, agent_id ASC`
	insertAgentSQL       = `INSERT INTO agents (` + agentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	updateAgentMetaSQL   = `UPDATE agents SET owner_id = ?, name = ?, endpoint = ?, version = ?, skills = ?, status = ?,
        last_heartbeat = ? WHERE agent_id = ?`
	updateAgentSQL = `UPDATE agents SET owner_id = ?, name = ?, endpoint = ?, version = ?, skills = ?, reputation_score = ?,
        status = ?, jobs_completed = ?, jobs_failed = ?, last_heartbeat = ? WHERE agent_id = ?`
	touchAgentSQL  = `UPDATE agents SET status = ? WHERE agent_id = ?`
	touchOnlineSQL = `UPDATE agents SET status = ?, last_heartbeat = ? WHERE agent_id = ?`
)

// DirectoryStore 使用关系型数据库保存 Agent 目录。
type DirectoryStore struct {
	db *DB
}

// NewDirectoryStore 基于共享连接创建目录存储。
func NewDirectoryStore(db *DB) *DirectoryStore {
	return &DirectoryStore{db: db}
}

// Upsert 实现 registry.Store。已有记录只更新元数据，信誉与统计保持不变。
func (s *DirectoryStore) Upsert(ctx context.Context, rec *registry.AgentRecord) (*registry.AgentRecord, bool, error) {
	if rec == nil || rec.AgentID == "" {
		return nil, false, xerrors.Validation("agent id 不能为空")
	}
	skills, err := json.Marshal(rec.Skills)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeValidation, err, "编码技能列表失败")
	}

	var stored *registry.AgentRecord
	created := false
	err = s.db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.get(ctx, tx, selectAgentLockedSQL, rec.AgentID)
		if err != nil && !stdErrors.Is(err, registry.ErrAgentNotFound) {
			return err
		}
		if existing == nil {
			if _, err := s.db.exec(ctx, tx, insertAgentSQL,
				rec.AgentID, rec.OwnerID, rec.Name, rec.Endpoint, rec.Version, string(skills),
				rec.ReputationScore, string(rec.Status), rec.JobsCompleted, rec.JobsFailed,
				unixNano(rec.RegisteredAt), unixNano(rec.LastHeartbeat),
			); err != nil {
				if isDuplicate(err) {
					return xerrors.Wrap(xerrors.CodeConflict, err, "agent 并发注册冲突")
				}
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入 agent 失败")
			}
			stored = rec.Clone()
			created = true
			return nil
		}
		if _, err := s.db.exec(ctx, tx, updateAgentMetaSQL,
			rec.OwnerID, rec.Name, rec.Endpoint, rec.Version, string(skills), string(rec.Status),
			unixNano(rec.LastHeartbeat), rec.AgentID,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 agent 失败")
		}
		stored = rec.Clone()
		stored.ReputationScore = existing.ReputationScore
		stored.JobsCompleted = existing.JobsCompleted
		stored.JobsFailed = existing.JobsFailed
		stored.RegisteredAt = existing.RegisteredAt
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// Get 实现 registry.Store。
func (s *DirectoryStore) Get(ctx context.Context, id string) (*registry.AgentRecord, error) {
	return s.get(ctx, s.db.db, selectAgentSQL, id)
}

// List 按注册时间返回全部 Agent。
func (s *DirectoryStore) List(ctx context.Context) ([]*registry.AgentRecord, error) {
	rows, err := s.db.query(ctx, s.db.db, listAgentsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 agent 列表失败")
	}
	defer rows.Close()

	var out []*registry.AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 agent 失败")
	}
	return out, nil
}

// Touch 更新在线状态，上线时同时刷新心跳时间。
func (s *DirectoryStore) Touch(ctx context.Context, id string, status registry.Status, at time.Time) (*registry.AgentRecord, error) {
	var err error
	if status == registry.StatusOnline {
		_, err = s.db.exec(ctx, s.db.db, touchOnlineSQL, string(status), unixNano(at), id)
	} else {
		_, err = s.db.exec(ctx, s.db.db, touchAgentSQL, string(status), id)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 agent 状态失败")
	}
	// MySQL 在值未变化时影响行数为 0，因此不依赖 RowsAffected 判断记录是否存在。
	return s.Get(ctx, id)
}

// Mutate 在事务中锁定记录后执行修改。
func (s *DirectoryStore) Mutate(ctx context.Context, id string, fn registry.MutateFunc) (*registry.AgentRecord, error) {
	var out *registry.AgentRecord
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.get(ctx, tx, selectAgentLockedSQL, id)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		skills, err := json.Marshal(rec.Skills)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeValidation, err, "编码技能列表失败")
		}
		if _, err := s.db.exec(ctx, tx, updateAgentSQL,
			rec.OwnerID, rec.Name, rec.Endpoint, rec.Version, string(skills), rec.ReputationScore,
			string(rec.Status), rec.JobsCompleted, rec.JobsFailed, unixNano(rec.LastHeartbeat), id,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 agent 失败")
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close 不关闭共享连接，由 DB 的持有者负责。
func (s *DirectoryStore) Close() error { return nil }

func (s *DirectoryStore) get(ctx context.Context, q querier, stmt, id string) (*registry.AgentRecord, error) {
	rec, err := scanAgent(s.db.queryRow(ctx, q, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, registry.ErrAgentNotFound
		}
		return nil, err
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*registry.AgentRecord, error) {
	var (
		rec          registry.AgentRecord
		skills       string
		status       string
		registeredAt int64
		heartbeat    int64
	)
	if err := row.Scan(
		&rec.AgentID,
		&rec.OwnerID,
		&rec.Name,
		&rec.Endpoint,
		&rec.Version,
		&skills,
		&rec.ReputationScore,
		&status,
		&rec.JobsCompleted,
		&rec.JobsFailed,
		&registeredAt,
		&heartbeat,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 agent 记录失败")
	}
	if skills != "" {
		if err := json.Unmarshal([]byte(skills), &rec.Skills); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析技能列表失败")
		}
	}
	rec.Status = registry.Status(status)
	rec.RegisteredAt = fromUnixNano(registeredAt)
	rec.LastHeartbeat = fromUnixNano(heartbeat)
	return &rec, nil
}

var _ registry.Store = (*DirectoryStore)(nil)

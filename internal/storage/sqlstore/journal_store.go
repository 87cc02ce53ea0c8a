package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/settlement"
)

const (
	selectSettlementSQL = `SELECT record FROM settlements WHERE job_id = ?`

	upsertSettlementMySQL = `INSERT INTO settlements (job_id, record, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE record = VALUES(record), updated_at = VALUES(updated_at)`
	upsertSettlementPostgres = `INSERT INTO settlements (job_id, record, updated_at) VALUES (?, ?, ?)
        ON CONFLICT (job_id) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`
)

// JournalStore 将结算进度以 JSON 形式持久化，进程重启后仍可续做未完成的结算。
type JournalStore struct {
	db *DB
}

// NewJournalStore 基于共享连接创建结算日志。
func NewJournalStore(db *DB) *JournalStore {
	return &JournalStore{db: db}
}

// Load 实现 settlement.Journal。
func (s *JournalStore) Load(ctx context.Context, jobID string) (settlement.Record, bool, error) {
	var raw string
	if err := s.db.queryRow(ctx, s.db.db, selectSettlementSQL, jobID).Scan(&raw); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return settlement.Record{}, false, nil
		}
		return settlement.Record{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算记录失败")
	}
	var rec settlement.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return settlement.Record{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结算记录失败")
	}
	return rec, true, nil
}

// Save 实现 settlement.Journal。
func (s *JournalStore) Save(ctx context.Context, rec settlement.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码结算记录失败")
	}
	stmt := upsertSettlementMySQL
	if s.db.dialect == DialectPostgres {
		stmt = upsertSettlementPostgres
	}
	if _, err := s.db.exec(ctx, s.db.db, stmt, rec.JobID, string(raw), unixNano(rec.UpdatedAt)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存结算记录失败")
	}
	return nil
}

var _ settlement.Journal = (*JournalStore)(nil)

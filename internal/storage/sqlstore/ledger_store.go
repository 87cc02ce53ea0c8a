package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"Chorus-Network/internal/credits"
	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/ledger"
)

const entryColumns = `seq, transfer_id, from_owner, to_owner, amount, job_id, created_at, prev_digest, digest`

const (
	insertAccountSQL     = `INSERT INTO accounts (owner_id, balance, created_at) VALUES (?, ?, ?)`
	selectAccountSQL     = `SELECT owner_id, balance, created_at FROM accounts WHERE owner_id = ?`
	lockAccountSQL       = selectAccountSQL + ` FOR UPDATE`
	lockHeadSQL          = `SELECT seq, digest FROM ledger_head WHERE id = 1 FOR UPDATE`
	updateHeadSQL        = `UPDATE ledger_head SET seq = ?, digest = ? WHERE id = 1`
	selectEntryByJobSQL  = `SELECT ` + entryColumns + ` FROM ledger_entries WHERE job_id = ?`
	debitAccountSQL      = `UPDATE accounts SET balance = balance - ? WHERE owner_id = ?`
	creditAccountSQL     = `UPDATE accounts SET balance = balance + ? WHERE owner_id = ?`
	insertEntrySQL       = `INSERT INTO ledger_entries (` + entryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	listEntriesSQL       = `SELECT ` + entryColumns + ` FROM ledger_entries ORDER BY seq ASC`
	ledgerStatsSQL       = `SELECT (SELECT COUNT(*) FROM accounts), (SELECT COALESCE(SUM(balance), 0) FROM accounts),
        (SELECT COUNT(*) FROM ledger_entries), (SELECT COALESCE(SUM(amount), 0) FROM ledger_entries)`
	historyBaseSQL = `SELECT ` + entryColumns + ` FROM ledger_entries`
)

// LedgerStore 使用关系型数据库保存账户与账本。
//
// 每次转账都会先锁定 ledger_head 行，从而串行化摘要链的追加；随后按所有者
// 排序锁定账户行，余额校验与双边记账在同一事务内完成。
type LedgerStore struct {
	db *DB
}

// NewLedgerStore 基于共享连接创建账本存储。
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// OpenAccount 实现 ledger.Store，已存在的账户保持不变。
func (s *LedgerStore) OpenAccount(ctx context.Context, owner string, initial credits.Amount, at time.Time) (ledger.Account, bool, error) {
	_, err := s.db.exec(ctx, s.db.db, insertAccountSQL, owner, int64(initial), unixNano(at))
	if err == nil {
		return ledger.Account{OwnerID: owner, Balance: initial, CreatedAt: at}, true, nil
	}
	if !isDuplicate(err) {
		return ledger.Account{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开户失败")
	}
	acct, err := s.Account(ctx, owner)
	if err != nil {
		return ledger.Account{}, false, err
	}
	return acct, false, nil
}

// Account 返回账户信息。
func (s *LedgerStore) Account(ctx context.Context, owner string) (ledger.Account, error) {
	return s.account(ctx, s.db.db, selectAccountSQL, owner)
}

func (s *LedgerStore) account(ctx context.Context, q querier, stmt, owner string) (ledger.Account, error) {
	var (
		acct      ledger.Account
		balance   int64
		createdAt int64
	)
	if err := s.db.queryRow(ctx, q, stmt, owner).Scan(&acct.OwnerID, &balance, &createdAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ledger.Account{}, ledger.ErrAccountNotFound
		}
		return ledger.Account{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账户失败")
	}
	acct.Balance = credits.Amount(balance)
	acct.CreatedAt = fromUnixNano(createdAt)
	return acct, nil
}

// Apply 在单个事务中完成幂等检查、余额校验、记账与摘要链追加。
func (s *LedgerStore) Apply(ctx context.Context, entry ledger.Entry) (ledger.Entry, bool, error) {
	var (
		stored   ledger.Entry
		replayed bool
	)
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		var (
			headSeq    int64
			headDigest string
		)
		if err := s.db.queryRow(ctx, tx, lockHeadSQL).Scan(&headSeq, &headDigest); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定账本头失败")
		}

		if entry.JobID != "" {
			existing, err := scanEntry(s.db.queryRow(ctx, tx, selectEntryByJobSQL, entry.JobID))
			if err == nil {
				if err := existing.CheckReplay(entry); err != nil {
					return err
				}
				stored, replayed = existing, true
				return nil
			}
			if !stdErrors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		owners := []string{entry.From, entry.To}
		sort.Strings(owners)
		accounts := make(map[string]ledger.Account, 2)
		for _, owner := range owners {
			acct, err := s.account(ctx, tx, lockAccountSQL, owner)
			if err != nil {
				if stdErrors.Is(err, ledger.ErrAccountNotFound) {
					continue
				}
				return err
			}
			accounts[owner] = acct
		}

		sender, ok := accounts[entry.From]
		if !ok || sender.Balance < entry.Amount {
			return xerrors.Wrap(xerrors.CodeInsufficientCredits,
				fmt.Errorf("balance %s < amount %s", sender.Balance, entry.Amount),
				fmt.Sprintf("owner %s cannot pay %s", entry.From, entry.Amount))
		}
		if _, ok := accounts[entry.To]; !ok {
			if _, err := s.db.exec(ctx, tx, insertAccountSQL, entry.To, int64(0), unixNano(entry.Timestamp)); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建收款账户失败")
			}
		}

		entry.Seq = uint64(headSeq) + 1
		if err := entry.Seal(headDigest); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "账本摘要计算失败")
		}

		if _, err := s.db.exec(ctx, tx, debitAccountSQL, int64(entry.Amount), entry.From); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扣款失败")
		}
		if _, err := s.db.exec(ctx, tx, creditAccountSQL, int64(entry.Amount), entry.To); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "入账失败")
		}
		if _, err := s.db.exec(ctx, tx, insertEntrySQL,
			int64(entry.Seq), entry.TransferID, entry.From, entry.To, int64(entry.Amount),
			nullString(entry.JobID), unixNano(entry.Timestamp), entry.PrevDigest, entry.Digest,
		); err != nil {
			if isDuplicate(err) {
				return xerrors.Wrap(xerrors.CodeConflict, err, "transfer_id 重复")
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账本记录失败")
		}
		if _, err := s.db.exec(ctx, tx, updateHeadSQL, int64(entry.Seq), entry.Digest); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新账本头失败")
		}
		stored = entry
		return nil
	})
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return stored, replayed, nil
}

// History 按序号倒序返回满足条件的记录。
func (s *LedgerStore) History(ctx context.Context, q ledger.HistoryQuery) ([]ledger.Entry, error) {
	stmt, args := historyQuery(q)
	return s.list(ctx, stmt, args...)
}

func historyQuery(q ledger.HistoryQuery) (string, []any) {
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = 50
	case limit > 500:
		limit = 500
	}
	var (
		conditions []string
		args       []any
	)
	if q.Owner != "" {
		conditions = append(conditions, "(from_owner = ? OR to_owner = ?)")
		args = append(args, q.Owner, q.Owner)
	}
	if q.JobID != "" {
		conditions = append(conditions, "job_id = ?")
		args = append(args, q.JobID)
	}
	stmt := historyBaseSQL
	if len(conditions) > 0 {
		stmt += " WHERE " + strings.Join(conditions, " AND ")
	}
	stmt += " ORDER BY seq DESC LIMIT ?"
	return stmt, append(args, limit)
}

// Entries 按序号升序返回全部记录。
func (s *LedgerStore) Entries(ctx context.Context) ([]ledger.Entry, error) {
	return s.list(ctx, listEntriesSQL)
}

func (s *LedgerStore) list(ctx context.Context, stmt string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.db.query(ctx, s.db.db, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本失败")
	}
	defer rows.Close()

	out := []ledger.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历账本失败")
	}
	return out, nil
}

// Stats 汇总账户数、交易数、交易额与流通量。
func (s *LedgerStore) Stats(ctx context.Context) (ledger.Stats, error) {
	var (
		stats         ledger.Stats
		supply, volume int64
	)
	if err := s.db.queryRow(ctx, s.db.db, ledgerStatsSQL).Scan(&stats.Accounts, &supply, &stats.Transactions, &volume); err != nil {
		return ledger.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本统计失败")
	}
	stats.TotalSupply = credits.Amount(supply)
	stats.Volume = credits.Amount(volume)
	return stats, nil
}

// Close 不关闭共享连接。
func (s *LedgerStore) Close() error { return nil }

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e         ledger.Entry
		seq       int64
		amount    int64
		jobID     sql.NullString
		createdAt int64
	)
	if err := row.Scan(&seq, &e.TransferID, &e.From, &e.To, &amount, &jobID, &createdAt, &e.PrevDigest, &e.Digest); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, err
		}
		return ledger.Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账本记录失败")
	}
	e.Seq = uint64(seq)
	e.Amount = credits.Amount(amount)
	e.JobID = jobID.String
	e.Timestamp = fromUnixNano(createdAt)
	return e, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

var _ ledger.Store = (*LedgerStore)(nil)

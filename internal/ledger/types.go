package ledger

import (
	"fmt"
	"time"

	"Chorus-Network/internal/credits"
	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/proofs"
)

// DefaultInitialBalance 是新账户默认获得的额度。
var DefaultInitialBalance = credits.FromInt(100)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Account 记录某个所有者的余额。
type Account struct {
	OwnerID   string         `json:"owner_id"`
	Balance   credits.Amount `json:"balance"`
	CreatedAt time.Time      `json:"created_at"`
}

// Entry 是账本中不可变的一条转账记录。
type Entry struct {
	Seq        uint64         `json:"seq"`
	TransferID string         `json:"transfer_id"`
	From       string         `json:"from_owner"`
	To         string         `json:"to_owner"`
	Amount     credits.Amount `json:"amount"`
	JobID      string         `json:"job_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp_utc"`
	PrevDigest string         `json:"prev_digest"`
	Digest     string         `json:"digest"`
}

// ProofRecord 返回参与摘要计算的规范化内容。
func (e Entry) ProofRecord() proofs.Record {
	return proofs.Record{
		Seq:        e.Seq,
		TransferID: e.TransferID,
		From:       e.From,
		To:         e.To,
		Amount:     int64(e.Amount),
		JobID:      e.JobID,
		UnixNano:   e.Timestamp.UnixNano(),
	}
}

// Seal 基于前一条摘要计算本条记录的摘要。
func (e *Entry) Seal(prevDigest string) error {
	prev, err := proofs.ParseHash(prevDigest)
	if err != nil {
		return err
	}
	e.PrevDigest = prev.Hex()
	e.Digest = proofs.Link(prev, e.ProofRecord()).Hex()
	return nil
}

// CheckReplay 判断 next 是否为已记账条目 e 的重复提交。同一 JobID 的双方或金额
// 不一致时返回 CONFLICT 错误。
func (e Entry) CheckReplay(next Entry) error {
	if e.From == next.From && e.To == next.To && e.Amount == next.Amount {
		return nil
	}
	return xerrors.New(xerrors.CodeConflict, fmt.Sprintf(
		"job %s already paid %s from %s to %s", e.JobID, e.Amount, e.From, e.To))
}

// TransferRequest 描述一次转账请求。
type TransferRequest struct {
	TransferID string         `json:"transfer_id,omitempty"`
	From       string         `json:"from_owner"`
	To         string         `json:"to_owner"`
	Amount     credits.Amount `json:"amount"`
	JobID      string         `json:"job_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp_utc,omitempty"`
}

// HistoryQuery 控制审计日志查询。
type HistoryQuery struct {
	Owner string
	JobID string
	Limit int
}

func (q *HistoryQuery) applyDefaults() {
	if q.Limit <= 0 {
		q.Limit = defaultHistoryLimit
	}
	if q.Limit > maxHistoryLimit {
		q.Limit = maxHistoryLimit
	}
}

// Matches 判断记录是否满足过滤条件。
func (q HistoryQuery) Matches(e Entry) bool {
	if q.Owner != "" && e.From != q.Owner && e.To != q.Owner {
		return false
	}
	if q.JobID != "" && e.JobID != q.JobID {
		return false
	}
	return true
}

// Stats 汇总账本整体情况。
type Stats struct {
	Accounts     int            `json:"accounts"`
	Transactions int            `json:"transactions"`
	Volume       credits.Amount `json:"volume"`
	TotalSupply  credits.Amount `json:"total_supply"`
}

// VerifyReport 是摘要链校验结果。
type VerifyReport struct {
	Entries int    `json:"entries"`
	Head    string `json:"head"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
}

const (
	CodeAccountNotFound xerrors.Code = "ACCOUNT_NOT_FOUND"
)

var (
	// ErrInsufficientCredits 表示付款方余额不足。
	ErrInsufficientCredits = xerrors.New(xerrors.CodeInsufficientCredits, "insufficient credits")
	// ErrInvalidAmount 表示转账金额不是正数。
	ErrInvalidAmount = xerrors.New(xerrors.CodeInvalidAmount, "amount must be positive")
	// ErrAccountNotFound 表示账户不存在。
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "account not found")
)

func init() {
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{
		Message:    "account not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
}

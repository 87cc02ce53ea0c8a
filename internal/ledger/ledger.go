package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Chorus-Network/internal/credits"
	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/observability/metrics"
	"Chorus-Network/internal/proofs"
	"Chorus-Network/pkg/logger"
)

// Ledger 负责账户余额与转账记录。
type Ledger struct {
	store   Store
	initial credits.Amount
	now     func() time.Time
}

// Option 定义 Ledger 的可选配置。
type Option func(*Ledger)

// WithInitialBalance 设置新账户的默认额度。
func WithInitialBalance(amount credits.Amount) Option {
	return func(l *Ledger) {
		if amount >= 0 {
			l.initial = amount
		}
	}
}

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New 构造账本服务。
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		initial: DefaultInitialBalance,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// OpenAccount 为所有者开户。initial 为 nil 时使用默认额度；已有账户保持不变。
func (l *Ledger) OpenAccount(ctx context.Context, owner string, initial *credits.Amount) (Account, bool, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return Account{}, false, xerrors.Validation("owner_id must not be empty")
	}
	amount := l.initial
	if initial != nil {
		if *initial < 0 {
			return Account{}, false, xerrors.Validation("initial balance must not be negative")
		}
		amount = *initial
	}
	acct, created, err := l.store.OpenAccount(ctx, owner, amount, l.now())
	if err != nil {
		return Account{}, false, err
	}
	if created {
		logger.Audit().Info("账户开户",
			slog.String("owner_id", owner),
			slog.String("initial_balance", amount.String()),
		)
	}
	return acct, created, nil
}

// Balance 返回所有者余额，未知所有者余额为 0。
func (l *Ledger) Balance(ctx context.Context, owner string) (credits.Amount, error) {
	acct, err := l.store.Account(ctx, owner)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return acct.Balance, nil
}

// Transfer 原子地从 From 转账到 To，并追加一条账本记录。
//
// 同一 JobID 只会被支付一次，重复调用返回首次的记录。
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (Entry, error) {
	if !req.Amount.IsPositive() {
		metrics.ObserveTransfer("invalid", 0)
		return Entry{}, xerrors.New(xerrors.CodeInvalidAmount, "amount must be positive, got "+req.Amount.String())
	}
	from := strings.TrimSpace(req.From)
	to := strings.TrimSpace(req.To)
	if from == "" || to == "" {
		return Entry{}, xerrors.Validation("from_owner and to_owner must not be empty")
	}
	if from == to {
		return Entry{}, xerrors.Validation("cannot transfer to the same owner %q", from)
	}

	entry := Entry{
		TransferID: strings.TrimSpace(req.TransferID),
		From:       from,
		To:         to,
		Amount:     req.Amount,
		JobID:      strings.TrimSpace(req.JobID),
		Timestamp:  req.Timestamp.UTC(),
	}
	if entry.TransferID == "" {
		entry.TransferID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}

	stored, replayed, err := l.store.Apply(ctx, entry)
	if err != nil {
		outcome := "error"
		if xerrors.CodeOf(err) == xerrors.CodeInsufficientCredits {
			outcome = "insufficient"
		}
		metrics.ObserveTransfer(outcome, 0)
		logger.Audit().Warn("转账失败",
			slog.String("from_owner", from),
			slog.String("to_owner", to),
			slog.String("amount", req.Amount.String()),
			slog.String("job_id", entry.JobID),
			slog.String("error", err.Error()),
		)
		return Entry{}, err
	}
	if replayed {
		logger.L().Info("转账已存在，返回原记录",
			slog.String("job_id", stored.JobID),
			slog.String("transfer_id", stored.TransferID),
		)
		return stored, nil
	}
	metrics.ObserveTransfer("ok", stored.Amount.Float64())
	logger.Audit().Info("转账成功",
		slog.String("transfer_id", stored.TransferID),
		slog.Uint64("seq", stored.Seq),
		slog.String("from_owner", stored.From),
		slog.String("to_owner", stored.To),
		slog.String("amount", stored.Amount.String()),
		slog.String("job_id", stored.JobID),
		slog.String("digest", stored.Digest),
	)
	return stored, nil
}

// History 返回最近的转账记录，最新的在前。
func (l *Ledger) History(ctx context.Context, q HistoryQuery) ([]Entry, error) {
	q.applyDefaults()
	return l.store.History(ctx, q)
}

// Stats 返回账本统计信息。
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	return l.store.Stats(ctx)
}

// Verify 重新计算摘要链并与存储的摘要比对。
func (l *Ledger) Verify(ctx context.Context) (VerifyReport, error) {
	entries, err := l.store.Entries(ctx)
	if err != nil {
		return VerifyReport{}, err
	}
	linked := make([]proofs.Linked, 0, len(entries))
	for _, e := range entries {
		prev, err := proofs.ParseHash(e.PrevDigest)
		if err != nil {
			return VerifyReport{Entries: len(entries), Error: err.Error()}, nil
		}
		digest, err := proofs.ParseHash(e.Digest)
		if err != nil {
			return VerifyReport{Entries: len(entries), Error: err.Error()}, nil
		}
		linked = append(linked, proofs.Linked{Record: e.ProofRecord(), Prev: prev, Digest: digest})
	}
	head, err := proofs.Verify(linked)
	if err != nil {
		logger.L().Error("账本摘要链校验失败", slog.Any("error", err))
		return VerifyReport{Entries: len(entries), Error: err.Error()}, nil
	}
	return VerifyReport{Entries: len(entries), Head: head.Hex(), Valid: true}, nil
}

// Close 释放存储资源。
func (l *Ledger) Close() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}

package run

import (
	"net/http"

	"Chorus-Network/internal/credits"
	"Chorus-Network/internal/dispatch"
	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/pipeline"
)

// Status 表示异步运行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run 描述一次排队执行的流水线运行。Graph 是提交时的快照，之后目录中的
// 流水线定义被修改也不会影响该运行。
type Run struct {
	ID            string              `json:"run_id"`
	PipelineID    string              `json:"pipeline_id"`
	RequesterID   string              `json:"requester_id"`
	Graph         *pipeline.Graph     `json:"graph"`
	Input         dispatch.Payload    `json:"input_data,omitempty"`
	Budget        credits.Amount      `json:"budget,omitempty"`
	RerunOf       string              `json:"rerun_of,omitempty"`
	Status        Status              `json:"status"`
	StopRequested bool                `json:"stop_requested,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
	ErrorCode     string              `json:"error_code,omitempty"`
	Result        *pipeline.RunResult `json:"result,omitempty"`
	CreatedAt     int64               `json:"created_at"`
	UpdatedAt     int64               `json:"updated_at"`
}

// Terminal 判断运行是否已经结束。
func (r *Run) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

const (
	CodeRunNotFound  xerrors.Code = "RUN_NOT_FOUND"
	CodeRunConflict  xerrors.Code = "RUN_CONFLICT"
	CodeRunCompleted xerrors.Code = "RUN_COMPLETED"
	CodeRunStopped   xerrors.Code = "RUN_STOPPED"
)

var (
	// ErrRunNotFound 表示指定的运行不存在。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "run not found")
	// ErrRunConflict 表示运行在当前状态下无法执行所请求的操作。
	ErrRunConflict = xerrors.New(CodeRunConflict, "run conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRunCompleted 表示运行已经结束。
	ErrRunCompleted = xerrors.New(CodeRunCompleted, "run already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:    "run not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message:    "run conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeRunCompleted, xerrors.Attributes{
		Message:    "run already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeRunStopped, xerrors.Attributes{
		Message:    "run stopped",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// StatusOf 将流水线结果映射为运行状态。
func StatusOf(res *pipeline.RunResult) Status {
	if res != nil && res.Status == pipeline.RunSucceeded {
		return StatusSucceeded
	}
	return StatusFailed
}

// Clone 返回深拷贝。
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.Graph != nil {
		out.Graph = r.Graph.Clone()
	}
	out.Input = r.Input.Clone()
	out.Result = cloneResult(r.Result)
	return &out
}

func cloneResult(res *pipeline.RunResult) *pipeline.RunResult {
	if res == nil {
		return nil
	}
	out := *res
	out.Nodes = append([]pipeline.NodeResult(nil), res.Nodes...)
	out.Output = res.Output.Clone()
	return &out
}

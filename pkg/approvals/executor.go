package approvals

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowgate/flowgate/pkg/engine"
	"github.com/flowgate/flowgate/pkg/execlog"
	"github.com/flowgate/flowgate/pkg/types"
)

// runnerEngine is the slice of engine.Client the runner needs.
type runnerEngine interface {
	Run(ctx context.Context, in engine.RunInput) (*types.ExecutionResult, error)
}

// runnerLogs closes the execution log entry opened at ingestion time.
type runnerLogs interface {
	Close(ctx context.Context, logID, status string, result *types.ExecutionResult) error
}

// Runner carries out the decided fate of a gated execution: approved and
// auto-executed requests run downstream and close their log entry with the
// result; rejected and expired requests close it as failed without running.
type Runner struct {
	engine  runnerEngine
	logs    runnerLogs
	log     *slog.Logger
	timeout time.Duration
}

func NewRunner(eng runnerEngine, logs runnerLogs, log *slog.Logger) *Runner {
	return &Runner{engine: eng, logs: logs, log: log, timeout: 2 * time.Minute}
}

// ExecuteResolved implements Executor. It detaches from the caller's
// deadline: a decision taken over HTTP must not have its downstream run
// cancelled when the decider's request completes.
func (r *Runner) ExecuteResolved(ctx context.Context, req *ApprovalRequest) {
	if req.RunID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	switch req.Status {
	case StatusApproved, StatusAutoExecuted:
		r.run(ctx, req)
	case StatusRejected:
		r.abandon(ctx, req, "execution rejected by approver")
	case StatusExpired:
		r.abandon(ctx, req, "approval window elapsed")
	}
}

func (r *Runner) run(ctx context.Context, req *ApprovalRequest) {
	result, err := r.engine.Run(ctx, engine.RunInput{
		AutomationID: req.AutomationID,
		RunID:        req.RunID,
		OwnerID:      req.OwnerID,
		Actions:      req.ActionsPreview,
		TriggerData:  req.TriggerData,
	})
	if err != nil {
		r.log.Error("post-approval execution failed",
			"request_id", req.ID, "run_id", req.RunID, "error", err)
		result = &types.ExecutionResult{Status: "error", Error: err.Error()}
	}

	status := execlog.StatusSuccess
	if result.Status != "success" {
		status = execlog.StatusFailed
	}
	if err := r.logs.Close(ctx, req.RunID, status, result); err != nil {
		r.log.Error("close execution log failed",
			"request_id", req.ID, "run_id", req.RunID, "error", err)
		return
	}
	r.log.Info("gated execution completed",
		"request_id", req.ID, "run_id", req.RunID, "status", status)
}

func (r *Runner) abandon(ctx context.Context, req *ApprovalRequest, reason string) {
	result := &types.ExecutionResult{Status: "error", Error: reason}
	if err := r.logs.Close(ctx, req.RunID, execlog.StatusFailed, result); err != nil {
		r.log.Error("close execution log failed",
			"request_id", req.ID, "run_id", req.RunID, "error", err)
		return
	}
	r.log.Info("gated execution abandoned",
		"request_id", req.ID, "run_id", req.RunID, "status", req.Status)
}

package orchestrator

import xerrors "CryptoReason-Chain/internal/errors"

// 交易周期相关的错误码。
const (
	CodeCycleAborted     xerrors.Code = "CYCLE_ABORTED"
	CodeCycleStopped     xerrors.Code = "CYCLE_STOPPED"
	CodeReasoningFailure xerrors.Code = "REASONING_FAILURE"
)

func init() {
	xerrors.Register(CodeCycleAborted, xerrors.Attributes{
		Message:  "trading cycle aborted",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeCycleStopped, xerrors.Attributes{
		Message:  "heartbeat asked the cycle to stop",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeReasoningFailure, xerrors.Attributes{
		Message:   "reasoning round failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// errStopped 表示心跳要求停止，本周期不交易，也不视为故障。
var errStopped = xerrors.New(CodeCycleStopped, "心跳要求停止本周期")

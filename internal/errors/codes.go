package errors

import "sync"

// Code 是引擎内统一的错误码。
type Code string

// Severity 标识错误的严重级别，告警与审计依据该值分流。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown            Code = "UNKNOWN"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeTimeout            Code = "TIMEOUT"
	CodeStorageFailure     Code = "STORAGE_FAILURE"
	CodeTransportFailure   Code = "TRANSPORT_FAILURE"
	CodeProviderFailure    Code = "PROVIDER_FAILURE"
	CodeSettlementFailure  Code = "SETTLEMENT_FAILURE"
	CodeRetriesExhausted   Code = "RETRIES_EXHAUSTED"
	CodeInitializationFail Code = "INITIALIZATION_FAILURE"
)

// Attributes 描述某个错误码的默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:            {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:    {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:           {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:           {Message: "resource conflict", Severity: SeverityWarning},
		CodeTimeout:            {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:     {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTransportFailure:   {Message: "transport failure", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeProviderFailure:    {Message: "data provider failure", Severity: SeverityWarning, Retryable: true},
		CodeSettlementFailure:  {Message: "settlement failure", Severity: SeverityCritical, Alert: true},
		CodeRetriesExhausted:   {Message: "retries exhausted", Severity: SeverityWarning, Alert: true},
		CodeInitializationFail: {Message: "component not initialized", Severity: SeverityWarning, Alert: true},
	}
)

// Register 供业务包在 init 阶段登记自己的错误码。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 查询错误码属性，未登记的错误码回落到 UNKNOWN。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

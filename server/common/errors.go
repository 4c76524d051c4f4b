package common

import (
	"errors"

	jujuerrors "github.com/juju/errors"
)

// schema类错误：仅中止当前语句，事务保持打开
var (
	ErrTableNotFound     = errors.New("table-not-found")
	ErrColumnNotFound    = errors.New("column-not-found")
	ErrAmbiguousColumn   = errors.New("ambiguous-column")
	ErrTableExists       = errors.New("table-exists")
	ErrIndexExists       = errors.New("index-exists")
	ErrIndexMissing      = errors.New("index-missing")
	ErrInvalidValueCount = errors.New("invalid-value-count")
)

// 类型类错误
var (
	ErrIncompatibleType      = errors.New("incompatible-type")
	ErrStringOverflow        = errors.New("string-overflow")
	ErrInvalidDatetimeFormat = errors.New("invalid-datetime-format")
	ErrInvalidAggregate      = errors.New("invalid-aggregate")
)

// 约束类错误
var (
	ErrDuplicateKey = errors.New("duplicate-key")
)

// 事务类错误：自动转入ABORTED并回滚后再上抛
var (
	ErrUpgradeConflict = errors.New("upgrade-conflict")
	ErrDeadlockAbort   = errors.New("deadlock-abort")
)

// IO类错误：其中只有disk-io被IsFatal判为致命
var (
	ErrPageNotFound   = errors.New("page-not-found")
	ErrRecordNotFound = errors.New("record-not-found")
	ErrDiskIO         = errors.New("disk-io")
	ErrFileMissing    = errors.New("file-missing")
)

// 内部错误：不可达的不变式被破坏
var (
	ErrInternal = errors.New("internal")
)

// IsSchemaError 判断是否schema/类型类错误（仅中止语句）
func IsSchemaError(err error) bool {
	for _, target := range []error{
		ErrTableNotFound, ErrColumnNotFound, ErrAmbiguousColumn,
		ErrTableExists, ErrIndexExists, ErrIndexMissing, ErrInvalidValueCount,
		ErrIncompatibleType, ErrStringOverflow, ErrInvalidDatetimeFormat,
		ErrInvalidAggregate, ErrDuplicateKey,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsTransactional 判断是否事务类错误（需要自动回滚）
func IsTransactional(err error) bool {
	return errors.Is(err, ErrUpgradeConflict) || errors.Is(err, ErrDeadlockAbort)
}

// IsFatal 判断是否致命类错误（disk-io/internal）
func IsFatal(err error) bool {
	return errors.Is(err, ErrDiskIO) || errors.Is(err, ErrInternal)
}

// Reason 提取面向客户端的单行错误原因
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return jujuerrors.Cause(err).Error()
}

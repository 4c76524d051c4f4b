package manager

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/util"
)

// LogType 日志记录种类
type LogType int32

const (
	LogBegin LogType = iota
	LogCommit
	LogAbort
	LogInsert
	LogDelete
	LogUpdate
)

// String 种类名
func (t LogType) String() string {
	switch t {
	case LogBegin:
		return "BEGIN"
	case LogCommit:
		return "COMMIT"
	case LogAbort:
		return "ABORT"
	case LogInsert:
		return "INSERT"
	case LogDelete:
		return "DELETE"
	case LogUpdate:
		return "UPDATE"
	}
	return "?"
}

// logHdrSize 定长记录头：type|lsn|total_len|txn_id|prev_lsn
const logHdrSize = 20

// LogRecord 一条WAL记录。
// INSERT/DELETE的镜像在Value；UPDATE的前镜像在Value、后镜像在After。
type LogRecord struct {
	Type      LogType
	LSN       int32
	TotalLen  uint32
	TxnID     int32
	PrevLSN   int32
	TableName string
	RID       common.RID
	Value     []byte
	After     []byte
}

// Serialize 记录编码：
//   头20字节，数据记录体为
//   value_len i32 | value | [after_len i32 | after] | rid(page i32, slot i32) | name_len u64 | name
func (r *LogRecord) Serialize() []byte {
	bodyLen := 0
	if r.Type == LogInsert || r.Type == LogDelete || r.Type == LogUpdate {
		bodyLen = 4 + len(r.Value) + 8 + 8 + len(r.TableName)
		if r.Type == LogUpdate {
			bodyLen += 4 + len(r.After)
		}
	}
	r.TotalLen = uint32(logHdrSize + bodyLen)

	buf := make([]byte, r.TotalLen)
	util.WriteI32(buf, 0, int32(r.Type))
	util.WriteI32(buf, 4, r.LSN)
	util.WriteU32(buf, 8, r.TotalLen)
	util.WriteI32(buf, 12, r.TxnID)
	util.WriteI32(buf, 16, r.PrevLSN)

	if bodyLen == 0 {
		return buf
	}
	off := logHdrSize
	util.WriteI32(buf, off, int32(len(r.Value)))
	off += 4
	copy(buf[off:], r.Value)
	off += len(r.Value)
	if r.Type == LogUpdate {
		util.WriteI32(buf, off, int32(len(r.After)))
		off += 4
		copy(buf[off:], r.After)
		off += len(r.After)
	}
	util.WriteI32(buf, off, r.RID.PageNo)
	util.WriteI32(buf, off+4, r.RID.SlotNo)
	off += 8
	util.WriteU64(buf, off, uint64(len(r.TableName)))
	off += 8
	copy(buf[off:], r.TableName)
	return buf
}

// DeserializeLogRecord 从buf头部解码一条记录，返回记录与消耗字节数
func DeserializeLogRecord(buf []byte) (*LogRecord, int, error) {
	if len(buf) < logHdrSize {
		return nil, 0, errors.Annotatef(common.ErrInternal, "log record truncated: %d bytes", len(buf))
	}
	r := &LogRecord{
		Type:     LogType(util.ReadI32(buf, 0)),
		LSN:      util.ReadI32(buf, 4),
		TotalLen: util.ReadU32(buf, 8),
		TxnID:    util.ReadI32(buf, 12),
		PrevLSN:  util.ReadI32(buf, 16),
	}
	if r.TotalLen < logHdrSize || int(r.TotalLen) > len(buf) {
		return nil, 0, errors.Annotatef(common.ErrInternal, "log record length %d out of range", r.TotalLen)
	}
	if r.Type == LogBegin || r.Type == LogCommit || r.Type == LogAbort {
		return r, int(r.TotalLen), nil
	}

	off := logHdrSize
	valLen := int(util.ReadI32(buf, off))
	off += 4
	r.Value = append([]byte(nil), buf[off:off+valLen]...)
	off += valLen
	if r.Type == LogUpdate {
		afterLen := int(util.ReadI32(buf, off))
		off += 4
		r.After = append([]byte(nil), buf[off:off+afterLen]...)
		off += afterLen
	}
	r.RID = common.RID{PageNo: util.ReadI32(buf, off), SlotNo: util.ReadI32(buf, off+4)}
	off += 8
	nameLen := int(util.ReadU64(buf, off))
	off += 8
	r.TableName = string(buf[off : off+nameLen])
	off += nameLen
	if off != int(r.TotalLen) {
		return nil, 0, errors.Annotatef(common.ErrInternal, "log record size mismatch %d != %d", off, r.TotalLen)
	}
	return r, off, nil
}

// Package engine 火山模型执行器。
// 执行器自上而下拉取元组，扫描类算子同时提供页批量接口；
// 上下文（事务、锁、日志、缓冲池）以只读共享方式传入。
package engine

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/ast"
	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/conf"
	"github.com/zhukovaskychina/minisql-server/server/manager"
	"github.com/zhukovaskychina/minisql-server/server/metadata"
)

// ColDesc 执行器输出模式中的一列
type ColDesc struct {
	Tab  string
	Col  string
	Agg  ast.AggType
	Type basic.ColType
	Len  int32
}

// Row 一条中间结果，携带来源RID供DML使用
type Row struct {
	Vals []basic.Value
	RID  common.RID
}

// Executor 火山模型算子
type Executor interface {
	Schema() []ColDesc
	// Next 产出下一行，耗尽时返回nil
	Next() (*Row, error)
}

// BatchExecutor 页批量接口，扫描类算子实现
type BatchExecutor interface {
	Executor
	NextBatch() ([]*Row, error)
}

// ExecContext 执行上下文
type ExecContext struct {
	Txn *manager.Transaction
	TM  *manager.TransactionManager
	SM  *manager.SchemaManager
	Cfg *conf.Cfg
}

// drainBatch 用Next聚合成批，给未实现NextBatch的算子兜底
func drainBatch(e Executor, n int) ([]*Row, error) {
	out := make([]*Row, 0, n)
	for len(out) < n {
		row, err := e.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if row == nil {
			break
		}
		out = append(out, row)
	}
	return out, nil
}

// schemaOf 表的可见列输出模式
func schemaOf(tab *metadata.TableMeta) []ColDesc {
	cols := tab.VisibleCols()
	out := make([]ColDesc, len(cols))
	for i, c := range cols {
		out[i] = ColDesc{Tab: tab.Name, Col: c.Name, Type: c.Type, Len: c.Len}
	}
	return out
}

// findCol 模式内定位列：限定名精确匹配，未限定名按列名匹配
func findCol(schema []ColDesc, tc analyzer.TabCol) (int, error) {
	for i, d := range schema {
		if d.Col != tc.Col {
			continue
		}
		if tc.Tab != "" && d.Tab != "" && d.Tab != tc.Tab {
			continue
		}
		if d.Agg != tc.Agg {
			continue
		}
		return i, nil
	}
	return -1, errors.Annotatef(common.ErrColumnNotFound, "%s.%s", tc.Tab, tc.Col)
}

// evalConds 行是否满足全部条件
func evalConds(schema []ColDesc, row *Row, conds []analyzer.Condition) (bool, error) {
	for i := range conds {
		ok, err := evalCond(schema, row, &conds[i])
		if err != nil {
			return false, errors.Trace(err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalCond(schema []ColDesc, row *Row, c *analyzer.Condition) (bool, error) {
	li, err := findCol(schema, c.Lhs)
	if err != nil {
		return false, errors.Trace(err)
	}
	lhs := row.Vals[li]

	var rhs basic.Value
	if c.IsRhsVal {
		rhs = c.RhsVal
	} else {
		ri, err := findCol(schema, c.Rhs)
		if err != nil {
			return false, errors.Trace(err)
		}
		rhs = row.Vals[ri]
	}
	cmp, err := basic.Compare(lhs, rhs)
	if err != nil {
		return false, errors.Trace(err)
	}
	return c.Op.Satisfy(cmp), nil
}

// decodeRow 元组字节解码为可见列值
func decodeRow(tab *metadata.TableMeta, rec []byte) []basic.Value {
	cols := tab.VisibleCols()
	vals := make([]basic.Value, len(cols))
	for i, c := range cols {
		vals[i] = basic.DecodeValue(c.Type, rec[c.Offset:c.Offset+c.Len])
	}
	return vals
}

// encodeRecord 可见列值编码为元组字节；MVCC模式下隐藏列由调用方另行写入
func encodeRecord(tab *metadata.TableMeta, vals []basic.Value) ([]byte, error) {
	rec := make([]byte, tab.RecordSize())
	cols := tab.VisibleCols()
	for i, c := range cols {
		if err := vals[i].Encode(rec[c.Offset:c.Offset+c.Len], int(c.Len)); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return rec, nil
}

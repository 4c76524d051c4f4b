package engine

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/basic"
)

// ProjectionExec 列裁剪与重排；规划器可将其融合进扫描
type ProjectionExec struct {
	child  Executor
	idxs   []int
	schema []ColDesc
}

// NewProjectionExec 构造投影算子
func NewProjectionExec(child Executor, cols []analyzer.TabCol) (*ProjectionExec, error) {
	e := &ProjectionExec{child: child}
	childSchema := child.Schema()
	for _, tc := range cols {
		idx, err := findCol(childSchema, tc)
		if err != nil {
			return nil, errors.Trace(err)
		}
		e.idxs = append(e.idxs, idx)
		e.schema = append(e.schema, childSchema[idx])
	}
	return e, nil
}

// Schema 实现Executor
func (e *ProjectionExec) Schema() []ColDesc { return e.schema }

// Next 实现Executor
func (e *ProjectionExec) Next() (*Row, error) {
	row, err := e.child.Next()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if row == nil {
		return nil, nil
	}
	vals := make([]basic.Value, len(e.idxs))
	for i, idx := range e.idxs {
		vals[i] = row.Vals[idx]
	}
	return &Row{Vals: vals, RID: row.RID}, nil
}

// FilterExec 残余谓词过滤
type FilterExec struct {
	child Executor
	conds []analyzer.Condition
}

// NewFilterExec 构造过滤算子
func NewFilterExec(child Executor, conds []analyzer.Condition) *FilterExec {
	return &FilterExec{child: child, conds: conds}
}

// Schema 实现Executor
func (e *FilterExec) Schema() []ColDesc { return e.child.Schema() }

// Next 实现Executor
func (e *FilterExec) Next() (*Row, error) {
	for {
		row, err := e.child.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if row == nil {
			return nil, nil
		}
		ok, err := evalConds(e.child.Schema(), row, e.conds)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if ok {
			return row, nil
		}
	}
}

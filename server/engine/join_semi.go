package engine

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/analyzer"
)

// SemiJoinExec 半连接：左行只要存在任一匹配右行即输出一次
type SemiJoinExec struct {
	left, right Executor
	conds       []analyzer.Condition
	joinSchema  []ColDesc

	inner     []*Row
	innerDone bool
}

// NewSemiJoinExec 构造半连接
func NewSemiJoinExec(left, right Executor, conds []analyzer.Condition) *SemiJoinExec {
	return &SemiJoinExec{
		left:       left,
		right:      right,
		conds:      conds,
		joinSchema: append(append([]ColDesc(nil), left.Schema()...), right.Schema()...),
	}
}

// Schema 输出只含左侧列
func (e *SemiJoinExec) Schema() []ColDesc { return e.left.Schema() }

// Next 实现Executor
func (e *SemiJoinExec) Next() (*Row, error) {
	if !e.innerDone {
		var err error
		if e.inner, err = drainAll(e.right); err != nil {
			return nil, errors.Trace(err)
		}
		e.innerDone = true
	}

	for {
		outer, err := e.left.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if outer == nil {
			return nil, nil
		}
		for _, inner := range e.inner {
			joined := joinRows(outer, inner)
			ok, err := evalConds(e.joinSchema, joined, e.conds)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if ok {
				return outer, nil
			}
		}
	}
}

package engine

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/common"
)

// MergeJoinExec 归并连接：两侧已按等值键排序（上游Sort保证），
// 对齐相等运行段并产出其笛卡尔积。
type MergeJoinExec struct {
	left, right Executor
	conds       []analyzer.Condition
	eqCond      *analyzer.Condition
	schema      []ColDesc

	lrows, rrows []*Row
	li, ri       int
	cached       bool

	// 当前相等运行段的笛卡尔积游标
	runL, runRlo, runRhi int
	runRi                int
	inRun                bool
}

// NewMergeJoinExec 构造归并连接，conds中第一个等值条件作为归并键
func NewMergeJoinExec(left, right Executor, conds []analyzer.Condition) (*MergeJoinExec, error) {
	var eq *analyzer.Condition
	for i := range conds {
		if conds[i].Op == basic.OpEq && !conds[i].IsRhsVal {
			eq = &conds[i]
			break
		}
	}
	if eq == nil {
		return nil, errors.Annotatef(common.ErrInternal, "merge join requires equi condition")
	}
	return &MergeJoinExec{
		left:   left,
		right:  right,
		conds:  conds,
		eqCond: eq,
		schema: append(append([]ColDesc(nil), left.Schema()...), right.Schema()...),
	}, nil
}

// Schema 实现Executor
func (e *MergeJoinExec) Schema() []ColDesc { return e.schema }

func (e *MergeJoinExec) cache() error {
	if e.cached {
		return nil
	}
	var err error
	if e.lrows, err = drainAll(e.left); err != nil {
		return errors.Trace(err)
	}
	if e.rrows, err = drainAll(e.right); err != nil {
		return errors.Trace(err)
	}
	e.cached = true
	return nil
}

func drainAll(ex Executor) ([]*Row, error) {
	var out []*Row
	for {
		row, err := ex.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if row == nil {
			return out, nil
		}
		out = append(out, row)
	}
}

// keyOf 取一侧的归并键值
func (e *MergeJoinExec) keyOf(side Executor, row *Row, leftSide bool) (basic.Value, error) {
	tc := e.eqCond.Lhs
	if !leftSide {
		tc = e.eqCond.Rhs
	}
	idx, err := findCol(side.Schema(), tc)
	if err != nil {
		// 条件两端与左右子树的对应关系可能相反
		other := e.eqCond.Rhs
		if !leftSide {
			other = e.eqCond.Lhs
		}
		idx, err = findCol(side.Schema(), other)
		if err != nil {
			return basic.Value{}, errors.Trace(err)
		}
	}
	return row.Vals[idx], nil
}

// Next 实现Executor
func (e *MergeJoinExec) Next() (*Row, error) {
	if err := e.cache(); err != nil {
		return nil, errors.Trace(err)
	}

	for {
		if e.inRun {
			// 当前相等段内推进笛卡尔积
			if e.runRi < e.runRhi {
				l := e.lrows[e.runL]
				r := e.rrows[e.runRi]
				e.runRi++
				joined := joinRows(l, r)
				ok, err := evalConds(e.schema, joined, e.conds)
				if err != nil {
					return nil, errors.Trace(err)
				}
				if ok {
					return joined, nil
				}
				continue
			}
			// 左侧段内下一行
			e.runL++
			lk, _ := e.currentRunKey()
			if e.runL < len(e.lrows) {
				k, err := e.keyOf(e.left, e.lrows[e.runL], true)
				if err != nil {
					return nil, errors.Trace(err)
				}
				if cmp, _ := basic.Compare(k, lk); cmp == 0 {
					e.runRi = e.runRlo
					continue
				}
			}
			// 相等段耗尽
			e.li = e.runL
			e.ri = e.runRhi
			e.inRun = false
			continue
		}

		if e.li >= len(e.lrows) || e.ri >= len(e.rrows) {
			return nil, nil
		}
		lk, err := e.keyOf(e.left, e.lrows[e.li], true)
		if err != nil {
			return nil, errors.Trace(err)
		}
		rk, err := e.keyOf(e.right, e.rrows[e.ri], false)
		if err != nil {
			return nil, errors.Trace(err)
		}
		cmp, err := basic.Compare(lk, rk)
		if err != nil {
			return nil, errors.Trace(err)
		}
		switch {
		case cmp < 0:
			e.li++
		case cmp > 0:
			e.ri++
		default:
			// 锁定两侧相等运行段
			hi := e.ri
			for hi < len(e.rrows) {
				k, err := e.keyOf(e.right, e.rrows[hi], false)
				if err != nil {
					return nil, errors.Trace(err)
				}
				if c, _ := basic.Compare(k, rk); c != 0 {
					break
				}
				hi++
			}
			e.runL, e.runRlo, e.runRhi = e.li, e.ri, hi
			e.runRi = e.ri
			e.inRun = true
		}
	}
}

func (e *MergeJoinExec) currentRunKey() (basic.Value, error) {
	return e.keyOf(e.left, e.lrows[e.runL-1], true)
}

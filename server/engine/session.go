package engine

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/logger"
	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/ast"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/conf"
	"github.com/zhukovaskychina/minisql-server/server/manager"
	"github.com/zhukovaskychina/minisql-server/server/plan"
	"github.com/zhukovaskychina/minisql-server/server/storage/bufferpool"
)

// Session 语句执行边界：隐式单语句事务、错误传播策略。
// schema/类型错误只中止语句，事务保持打开；
// 事务类错误自动回滚后上抛；IO/内部错误（IsFatal）记错误日志后上抛，
// 会话本身不关闭，后续语句照常执行。
type Session struct {
	sm      *manager.SchemaManager
	tm      *manager.TransactionManager
	planner *plan.Planner
	portal  *Portal
	cfg     *conf.Cfg

	txn *manager.Transaction // 显式事务，BEGIN开启
}

// NewSession 创建会话
func NewSession(sm *manager.SchemaManager, tm *manager.TransactionManager, planner *plan.Planner, pool *bufferpool.BufferPool, cfg *conf.Cfg) *Session {
	return &Session{
		sm:      sm,
		tm:      tm,
		planner: planner,
		portal:  NewPortal(sm, tm, planner, pool),
		cfg:     cfg,
	}
}

// Execute 执行一条语句树
func (s *Session) Execute(stmt ast.Stmt) (*ResultSet, error) {
	switch stmt.(type) {
	case *ast.BeginStmt:
		if s.txn == nil {
			s.txn = s.tm.Begin(nil)
		}
		return &ResultSet{}, nil
	case *ast.CommitStmt:
		if s.txn != nil {
			err := s.tm.Commit(s.txn)
			s.txn = nil
			return &ResultSet{}, errors.Trace(err)
		}
		return &ResultSet{}, nil
	case *ast.AbortStmt:
		if s.txn != nil {
			err := s.tm.Abort(s.txn)
			s.txn = nil
			return &ResultSet{}, errors.Trace(err)
		}
		return &ResultSet{}, nil
	}

	az := analyzer.NewAnalyzer(s.sm.DB())
	q, err := az.Analyze(stmt)
	if err != nil {
		// 分析期错误只中止语句
		return nil, errors.Trace(err)
	}
	pl, err := s.planner.Plan(q)
	if err != nil {
		return nil, errors.Trace(err)
	}

	txn := s.txn
	implicit := txn == nil
	if implicit && needsTxn(pl) {
		txn = s.tm.Begin(nil)
	}
	ctx := &ExecContext{Txn: txn, TM: s.tm, SM: s.sm, Cfg: s.cfg}

	rs, err := s.portal.Run(pl, ctx)
	if err != nil {
		if txn != nil {
			if common.IsTransactional(err) {
				// 锁冲突/写冲突：事务自动转ABORTED并回滚
				s.tm.Abort(txn)
				if !implicit {
					s.txn = nil
				}
			} else if implicit {
				s.tm.Abort(txn)
			}
		}
		if common.IsFatal(err) {
			logger.Errorf("fatal session error: %v", err)
		}
		return nil, errors.Trace(err)
	}

	if implicit && txn != nil {
		if err := s.tm.Commit(txn); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return rs, nil
}

// needsTxn DML与查询需要事务上下文，DDL与命令自管
func needsTxn(pl plan.Plan) bool {
	switch pl.(type) {
	case *plan.DDLPlan, *plan.CommandPlan, *plan.ExplainPlan:
		return false
	}
	return true
}

// Txn 当前显式事务（可能为nil）
func (s *Session) Txn() *manager.Transaction { return s.txn }

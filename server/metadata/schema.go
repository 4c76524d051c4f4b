package metadata

import (
	"strings"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/common"
)

// HiddenTrxCol MVCC模式下每张表首列的隐藏事务ID列名
const HiddenTrxCol = "__trx_id"

// ColMeta 列元数据
type ColMeta struct {
	TabName string
	Name    string
	Type    basic.ColType
	Len     int32
	Offset  int32
}

// IndexMeta 索引描述：所属表、键列序列、键总长及类型哨兵
type IndexMeta struct {
	TabName string
	Cols    []ColMeta
}

// ColTot 键总长
func (ix *IndexMeta) ColTot() int32 {
	var total int32
	for _, c := range ix.Cols {
		total += c.Len
	}
	return total
}

// FileName 索引文件命名：table_col1_col2_...
func (ix *IndexMeta) FileName() string {
	parts := make([]string, 0, len(ix.Cols)+1)
	parts = append(parts, ix.TabName)
	for _, c := range ix.Cols {
		parts = append(parts, c.Name)
	}
	return strings.Join(parts, "_")
}

// ColNames 键列名序列
func (ix *IndexMeta) ColNames() []string {
	names := make([]string, len(ix.Cols))
	for i, c := range ix.Cols {
		names[i] = c.Name
	}
	return names
}

// MinKeyVals 各键列的最小哨兵，作为开放扫描下界
func (ix *IndexMeta) MinKeyVals() []basic.Value {
	vals := make([]basic.Value, len(ix.Cols))
	for i, c := range ix.Cols {
		vals[i] = basic.MinValue(c.Type, int(c.Len))
	}
	return vals
}

// MaxKeyVals 各键列的最大哨兵，作为开放扫描上界
func (ix *IndexMeta) MaxKeyVals() []basic.Value {
	vals := make([]basic.Value, len(ix.Cols))
	for i, c := range ix.Cols {
		vals[i] = basic.MaxValue(c.Type, int(c.Len))
	}
	return vals
}

// TableMeta 表元数据：有序列集与索引描述
type TableMeta struct {
	Name    string
	Cols    []ColMeta
	Indexes []IndexMeta
}

// RecordSize 元组定长，各列偏移紧密排布无填充
func (t *TableMeta) RecordSize() int32 {
	var total int32
	for _, c := range t.Cols {
		total += c.Len
	}
	return total
}

// Col 按名查列
func (t *TableMeta) Col(name string) (*ColMeta, bool) {
	for i := range t.Cols {
		if t.Cols[i].Name == name {
			return &t.Cols[i], true
		}
	}
	return nil, false
}

// VisibleCols 去掉隐藏事务列后的用户列
func (t *TableMeta) VisibleCols() []ColMeta {
	if len(t.Cols) > 0 && t.Cols[0].Name == HiddenTrxCol {
		return t.Cols[1:]
	}
	return t.Cols
}

// HasHiddenTrxCol 是否带MVCC隐藏列
func (t *TableMeta) HasHiddenTrxCol() bool {
	return len(t.Cols) > 0 && t.Cols[0].Name == HiddenTrxCol
}

// Index 按键列序列精确匹配索引：列数与顺序都须一致，前缀不匹配
func (t *TableMeta) Index(colNames []string) (*IndexMeta, bool) {
	for i := range t.Indexes {
		ix := &t.Indexes[i]
		if len(ix.Cols) != len(colNames) {
			continue
		}
		match := true
		for j, c := range ix.Cols {
			if c.Name != colNames[j] {
				match = false
				break
			}
		}
		if match {
			return ix, true
		}
	}
	return nil, false
}

// DBMeta 数据库目录：表名到表元数据
type DBMeta struct {
	Name   string
	Tables map[string]*TableMeta
}

// NewDBMeta 创建空目录
func NewDBMeta(name string) *DBMeta {
	return &DBMeta{Name: name, Tables: make(map[string]*TableMeta)}
}

// Table 查表，不存在时报table-not-found
func (db *DBMeta) Table(name string) (*TableMeta, error) {
	t, ok := db.Tables[name]
	if !ok {
		return nil, errors.Annotatef(common.ErrTableNotFound, "%s", name)
	}
	return t, nil
}

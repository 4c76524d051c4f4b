package engine

import (
	"fmt"
	"strings"

	"github.com/zhukovaskychina/minisql-server/server/basic"
)

// ResultSet 语句执行结果：查询为格式化单元格矩阵，
// EXPLAIN为原始文本，DML为影响行数
type ResultSet struct {
	ColNames []string
	Cells    [][]string
	Raw      string
	Affected int
}

// Format 结果打印：行内以|分隔，末行Total records: N；
// 浮点6位小数，哨兵极值渲染为空串（单元格已按此规则格式化）
func (rs *ResultSet) Format() string {
	if rs.Raw != "" {
		return rs.Raw
	}
	var sb strings.Builder
	if len(rs.ColNames) > 0 {
		sb.WriteString("|" + strings.Join(rs.ColNames, "|") + "|\n")
	}
	for _, row := range rs.Cells {
		sb.WriteString("|" + strings.Join(row, "|") + "|\n")
	}
	fmt.Fprintf(&sb, "Total records: %d\n", len(rs.Cells))
	return sb.String()
}

// materializeRow 行按输出模式格式化为单元格
func materializeRow(schema []ColDesc, row *Row) []string {
	cells := make([]string, len(row.Vals))
	for i, v := range row.Vals {
		l := 0
		if i < len(schema) {
			l = int(schema[i].Len)
		}
		cells[i] = basic.FormatValue(v, l)
	}
	return cells
}

// colNamesOf 输出模式的列名
func colNamesOf(schema []ColDesc) []string {
	names := make([]string, len(schema))
	for i, d := range schema {
		switch {
		case d.Agg != 0 && d.Col == "":
			names[i] = fmt.Sprintf("%s(*)", d.Agg)
		case d.Agg != 0:
			names[i] = fmt.Sprintf("%s(%s)", d.Agg, d.Col)
		default:
			names[i] = d.Col
		}
	}
	return names
}

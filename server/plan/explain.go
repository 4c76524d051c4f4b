package plan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/basic"
)

// Explain 渲染缩进的计划树文本：每层一个\t，
// 括号内列表按字典序排序，等值谓词渲染为left=right。
func Explain(p Plan) string {
	var sb strings.Builder
	explainNode(&sb, p, 0)
	return sb.String()
}

func indent(sb *strings.Builder, depth int) {
	for i := 0; i < depth; i++ {
		sb.WriteByte('\t')
	}
}

func explainNode(sb *strings.Builder, p Plan, depth int) {
	switch n := p.(type) {
	case *ProjectionPlan:
		cols := make([]string, 0, len(n.Cols))
		for _, c := range n.Cols {
			cols = append(cols, formatTabCol(c))
		}
		sort.Strings(cols)
		indent(sb, depth)
		fmt.Fprintf(sb, "Project(columns=[%s])\n", strings.Join(cols, ","))
		explainNode(sb, n.Child, depth+1)

	case *FilterPlan:
		indent(sb, depth)
		fmt.Fprintf(sb, "Filter(condition=[%s])\n", formatConds(n.Conds))
		explainNode(sb, n.Child, depth+1)

	case *JoinPlan:
		tabs := collectTables(n)
		sort.Strings(tabs)
		indent(sb, depth)
		fmt.Fprintf(sb, "Join(tables=[%s], condition=[%s])\n",
			strings.Join(tabs, ","), formatConds(n.Conds))
		// 子节点按类型优先级渲染：Filter < Join < Project < Scan
		children := []Plan{n.Left, n.Right}
		sort.SliceStable(children, func(i, j int) bool {
			return nodePriority(children[i]) < nodePriority(children[j])
		})
		for _, c := range children {
			explainNode(sb, c, depth+1)
		}

	case *ScanPlan:
		indent(sb, depth)
		if n.Index != nil {
			fmt.Fprintf(sb, "IndexScan(table=%s)\n", n.Table)
		} else {
			fmt.Fprintf(sb, "Scan(table=%s)\n", n.Table)
		}

	case *SortPlan:
		explainNode(sb, n.Child, depth)
	case *AggPlan:
		explainNode(sb, n.Child, depth)
	case *ExplainPlan:
		explainNode(sb, n.Child, depth)
	}
}

func nodePriority(p Plan) int {
	switch p.(type) {
	case *FilterPlan:
		return 1
	case *JoinPlan:
		return 2
	case *ProjectionPlan:
		return 3
	case *ScanPlan:
		return 4
	}
	return 5
}

func collectTables(p Plan) []string {
	seen := make(map[string]bool)
	var walk func(Plan)
	walk = func(p Plan) {
		switch n := p.(type) {
		case *ScanPlan:
			seen[n.Table] = true
		case *JoinPlan:
			walk(n.Left)
			walk(n.Right)
		case *FilterPlan:
			walk(n.Child)
		case *ProjectionPlan:
			walk(n.Child)
		case *SortPlan:
			walk(n.Child)
		case *AggPlan:
			walk(n.Child)
		}
	}
	walk(p)
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	return out
}

func formatTabCol(c analyzer.TabCol) string {
	if c.Star {
		return fmt.Sprintf("%s(*)", c.Agg)
	}
	name := c.Col
	if c.Tab != "" {
		name = c.Tab + "." + c.Col
	}
	if c.Agg != 0 {
		return fmt.Sprintf("%s(%s)", c.Agg, name)
	}
	return name
}

func formatConds(conds []analyzer.Condition) string {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		var rhs string
		if c.IsRhsVal {
			rhs = formatValue(c.RhsVal)
		} else {
			rhs = formatTabCol(c.Rhs)
		}
		parts = append(parts, formatTabCol(c.Lhs)+c.Op.String()+rhs)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func formatValue(v basic.Value) string {
	switch v.Type {
	case basic.TypeInt:
		return strconv.Itoa(int(v.Int))
	case basic.TypeFloat:
		return strconv.FormatFloat(float64(v.Float), 'g', -1, 32)
	default:
		return v.Str
	}
}

package metadata

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/common"
)

// db.meta 平铺文本格式，每次DDL后整体重写：
//   db <名称> <表数>
//   table <名称> <列数> <索引数>
//   col <表> <列名> <类型> <长度> <偏移>
//   index <表> <键列数> <列名...>

// Save 将目录写入metaPath
func (db *DBMeta) Save(metaPath string) error {
	f, err := os.Create(metaPath)
	if err != nil {
		return errors.Annotatef(common.ErrDiskIO, "save meta: %v", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	names := make([]string, 0, len(db.Tables))
	for name := range db.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "db %s %d\n", db.Name, len(names))
	for _, name := range names {
		t := db.Tables[name]
		fmt.Fprintf(w, "table %s %d %d\n", t.Name, len(t.Cols), len(t.Indexes))
		for _, c := range t.Cols {
			fmt.Fprintf(w, "col %s %s %d %d %d\n", c.TabName, c.Name, c.Type, c.Len, c.Offset)
		}
		for _, ix := range t.Indexes {
			fmt.Fprintf(w, "index %s %d %s\n", ix.TabName, len(ix.Cols), strings.Join(ix.ColNames(), " "))
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Annotatef(common.ErrDiskIO, "flush meta: %v", err)
	}
	return f.Sync()
}

// Load 从metaPath装载目录
func Load(metaPath string) (*DBMeta, error) {
	f, err := os.Open(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Annotatef(common.ErrFileMissing, "%s", metaPath)
		}
		return nil, errors.Annotatef(common.ErrDiskIO, "load meta: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var db *DBMeta
	var cur *TableMeta
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "db":
			if len(fields) < 3 {
				return nil, errors.Annotatef(common.ErrInternal, "bad meta db line")
			}
			db = NewDBMeta(fields[1])

		case "table":
			if db == nil || len(fields) < 4 {
				return nil, errors.Annotatef(common.ErrInternal, "bad meta table line")
			}
			cur = &TableMeta{Name: fields[1]}
			db.Tables[cur.Name] = cur

		case "col":
			if cur == nil || len(fields) < 6 {
				return nil, errors.Annotatef(common.ErrInternal, "bad meta col line")
			}
			typ, err1 := strconv.Atoi(fields[3])
			l, err2 := strconv.Atoi(fields[4])
			off, err3 := strconv.Atoi(fields[5])
			if err1 != nil || err2 != nil || err3 != nil {
				return nil, errors.Annotatef(common.ErrInternal, "bad meta col numbers")
			}
			cur.Cols = append(cur.Cols, ColMeta{
				TabName: fields[1],
				Name:    fields[2],
				Type:    basic.ColType(typ),
				Len:     int32(l),
				Offset:  int32(off),
			})

		case "index":
			if cur == nil || len(fields) < 3 {
				return nil, errors.Annotatef(common.ErrInternal, "bad meta index line")
			}
			ix := IndexMeta{TabName: fields[1]}
			for _, colName := range fields[3:] {
				col, ok := cur.Col(colName)
				if !ok {
					return nil, errors.Annotatef(common.ErrInternal, "index col %s missing", colName)
				}
				ix.Cols = append(ix.Cols, *col)
			}
			cur.Indexes = append(cur.Indexes, ix)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Annotatef(common.ErrDiskIO, "scan meta: %v", err)
	}
	if db == nil {
		return nil, errors.Annotatef(common.ErrInternal, "empty meta file")
	}
	return db, nil
}

package record

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/util"
)

// Scan 堆文件顺序扫描游标，跳过位图空洞
type Scan struct {
	fh  *FileHandle
	rid common.RID
	eof bool
}

// NewScan 打开扫描并定位到第一条记录
func NewScan(fh *FileHandle) (*Scan, error) {
	s := &Scan{fh: fh, rid: common.RID{PageNo: common.HeaderPageNo, SlotNo: common.InvalidSlotNo}}
	if err := s.advance(); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// RID 当前游标位置
func (s *Scan) RID() common.RID { return s.rid }

// IsEnd 是否已到文件尾
func (s *Scan) IsEnd() bool { return s.eof }

// Next 前进到下一条记录
func (s *Scan) Next() error {
	if s.eof {
		return nil
	}
	return errors.Trace(s.advance())
}

// nextInPage 返回页内不小于from的首个占用槽，无则返回-1
func (s *Scan) nextInPage(pageNo int32, from int) (int, error) {
	s.fh.hdrMu.Lock()
	page, dp, err := s.fh.fetchDataPage(pageNo)
	s.fh.hdrMu.Unlock()
	if err != nil {
		return -1, errors.Trace(err)
	}
	defer s.fh.pool.UnpinPage(page.Tag(), false)

	page.Latch.RLock()
	defer page.Latch.RUnlock()
	return util.BitmapNextSet(dp.bitmap(), int(s.fh.hdr.RecordsPerPage), from), nil
}

func (s *Scan) advance() error {
	pageNo := s.rid.PageNo
	from := int(s.rid.SlotNo) + 1
	if pageNo == common.HeaderPageNo {
		pageNo, from = 1, 0
	}
	numPages := s.fh.NumPages()
	for ; pageNo < numPages; pageNo, from = pageNo+1, 0 {
		slot, err := s.nextInPage(pageNo, from)
		if err != nil {
			return errors.Trace(err)
		}
		if slot >= 0 {
			s.rid = common.RID{PageNo: pageNo, SlotNo: int32(slot)}
			return nil
		}
	}
	s.eof = true
	s.rid = common.RID{PageNo: common.InvalidPageNo, SlotNo: common.InvalidSlotNo}
	return nil
}

package record

import (
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/util"
)

// 堆文件页0布局（字节偏移）
const (
	hdrOffRecordSize      = 0
	hdrOffNumPages        = 4
	hdrOffRecordsPerPage  = 8
	hdrOffFirstFreePageNo = 12
	hdrOffBitmapSize      = 16
)

// 数据页页头布局
const (
	pageOffNextFreePageNo = 0
	pageOffNumRecords     = 4
	pageHdrSize           = 8
)

// FileHdr 堆文件头，驻留页0
type FileHdr struct {
	RecordSize      int32
	NumPages        int32 // 含页0
	RecordsPerPage  int32
	FirstFreePageNo int32
	BitmapSize      int32
}

func (h *FileHdr) encode(buf []byte) {
	util.WriteI32(buf, hdrOffRecordSize, h.RecordSize)
	util.WriteI32(buf, hdrOffNumPages, h.NumPages)
	util.WriteI32(buf, hdrOffRecordsPerPage, h.RecordsPerPage)
	util.WriteI32(buf, hdrOffFirstFreePageNo, h.FirstFreePageNo)
	util.WriteI32(buf, hdrOffBitmapSize, h.BitmapSize)
}

func (h *FileHdr) decode(buf []byte) {
	h.RecordSize = util.ReadI32(buf, hdrOffRecordSize)
	h.NumPages = util.ReadI32(buf, hdrOffNumPages)
	h.RecordsPerPage = util.ReadI32(buf, hdrOffRecordsPerPage)
	h.FirstFreePageNo = util.ReadI32(buf, hdrOffFirstFreePageNo)
	h.BitmapSize = util.ReadI32(buf, hdrOffBitmapSize)
}

// recordsPerPage 使页头+位图+槽数组恰好放进一页的最大槽数
func recordsPerPage(recordSize int32) int32 {
	n := int32((common.PageSize - pageHdrSize) * 8 / (1 + 8*int(recordSize)))
	for n > 0 && pageHdrSize+int((n+7)/8)+int(n*recordSize) > common.PageSize {
		n--
	}
	return n
}

// dataPage 数据页视图，零拷贝覆盖在帧内容上
type dataPage struct {
	hdr  *FileHdr
	data []byte
}

func (p dataPage) nextFreePageNo() int32     { return util.ReadI32(p.data, pageOffNextFreePageNo) }
func (p dataPage) setNextFreePageNo(v int32) { util.WriteI32(p.data, pageOffNextFreePageNo, v) }
func (p dataPage) numRecords() int32         { return util.ReadI32(p.data, pageOffNumRecords) }
func (p dataPage) setNumRecords(v int32)     { util.WriteI32(p.data, pageOffNumRecords, v) }

func (p dataPage) bitmap() []byte {
	return p.data[pageHdrSize : pageHdrSize+int(p.hdr.BitmapSize)]
}

func (p dataPage) slot(slotNo int32) []byte {
	off := pageHdrSize + int(p.hdr.BitmapSize) + int(slotNo*p.hdr.RecordSize)
	return p.data[off : off+int(p.hdr.RecordSize)]
}

func (p dataPage) isFull() bool {
	return p.numRecords() == p.hdr.RecordsPerPage
}

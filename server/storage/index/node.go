package index

import (
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/util"
)

// 索引头页布局（页0）
const (
	ixHdrOffRoot      = 0
	ixHdrOffFirstLeaf = 4
	ixHdrOffLastLeaf  = 8
	ixHdrOffKeyLen    = 12
	ixHdrOffNumPages  = 16
)

// 节点页头布局
const (
	nodeOffIsLeaf  = 0
	nodeOffNumKeys = 4
	nodeOffPrevSib = 8
	nodeOffNextSib = 12
	nodeOffVersion = 16
	nodeHdrSize    = 24
)

// 槽内值定长8字节：叶子存RID(page,slot)，内部节点前4字节存子页号
const entryValSize = 8

// node 节点页视图，直接覆盖在帧字节上
type node struct {
	keyLen int
	data   []byte
}

func (n node) isLeaf() bool      { return util.ReadI32(n.data, nodeOffIsLeaf) != 0 }
func (n node) setLeaf(leaf bool) {
	v := int32(0)
	if leaf {
		v = 1
	}
	util.WriteI32(n.data, nodeOffIsLeaf, v)
}

func (n node) numKeys() int32     { return util.ReadI32(n.data, nodeOffNumKeys) }
func (n node) setNumKeys(v int32) { util.WriteI32(n.data, nodeOffNumKeys, v) }

func (n node) prevSib() int32     { return util.ReadI32(n.data, nodeOffPrevSib) }
func (n node) setPrevSib(v int32) { util.WriteI32(n.data, nodeOffPrevSib, v) }

func (n node) nextSib() int32     { return util.ReadI32(n.data, nodeOffNextSib) }
func (n node) setNextSib(v int32) { util.WriteI32(n.data, nodeOffNextSib, v) }

func (n node) version() int32 { return util.ReadI32(n.data, nodeOffVersion) }
func (n node) bumpVersion()   { util.WriteI32(n.data, nodeOffVersion, n.version()+1) }

func (n node) entrySize() int { return n.keyLen + entryValSize }

// maxKeys 节点容量，由键长决定，保证整节点放进一页
func (n node) maxKeys() int32 {
	return int32((common.PageSize - nodeHdrSize) / n.entrySize())
}

// minKeys 半满下界，低于此值触发重分布或合并
func (n node) minKeys() int32 { return n.maxKeys() / 2 }

func (n node) entryOff(i int32) int { return nodeHdrSize + int(i)*n.entrySize() }

func (n node) key(i int32) []byte {
	off := n.entryOff(i)
	return n.data[off : off+n.keyLen]
}

func (n node) rid(i int32) common.RID {
	off := n.entryOff(i) + n.keyLen
	return common.RID{PageNo: util.ReadI32(n.data, off), SlotNo: util.ReadI32(n.data, off+4)}
}

func (n node) setRID(i int32, rid common.RID) {
	off := n.entryOff(i) + n.keyLen
	util.WriteI32(n.data, off, rid.PageNo)
	util.WriteI32(n.data, off+4, rid.SlotNo)
}

func (n node) child(i int32) int32 {
	return util.ReadI32(n.data, n.entryOff(i)+n.keyLen)
}

func (n node) setChild(i int32, pageNo int32) {
	off := n.entryOff(i) + n.keyLen
	util.WriteI32(n.data, off, pageNo)
	util.WriteI32(n.data, off+4, 0)
}

// insertAt 在槽位i处腾出一个槽
func (n node) insertAt(i int32) {
	num := n.numKeys()
	start := n.entryOff(i)
	end := n.entryOff(num)
	copy(n.data[start+n.entrySize():end+n.entrySize()], n.data[start:end])
	n.setNumKeys(num + 1)
}

// removeAt 删除槽位i
func (n node) removeAt(i int32) {
	num := n.numKeys()
	start := n.entryOff(i + 1)
	end := n.entryOff(num)
	copy(n.data[n.entryOff(i):], n.data[start:end])
	n.setNumKeys(num - 1)
}

// setKey 写入槽位i的键
func (n node) setKey(i int32, key []byte) {
	copy(n.key(i), key)
}

// lowerBound 节点内二分：首个键不小于key的槽位
func (n node) lowerBound(ks *KeySchema, key []byte) int32 {
	lo, hi := int32(0), n.numKeys()
	for lo < hi {
		mid := (lo + hi) / 2
		if ks.Compare(n.key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// upperBound 节点内二分：首个键大于key的槽位
func (n node) upperBound(ks *KeySchema, key []byte) int32 {
	lo, hi := int32(0), n.numKeys()
	for lo < hi {
		mid := (lo + hi) / 2
		if ks.Compare(n.key(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// childIndex 内部节点路由：进入首槽键视为-∞的最大下界子树
func (n node) childIndex(ks *KeySchema, key []byte) int32 {
	lo, hi := int32(1), n.numKeys()
	for lo < hi {
		mid := (lo + hi) / 2
		if ks.Compare(n.key(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

package vectorindex

import (
	"sync/atomic"

	"nutri-advisor-go/pkg/log"
)

// Handle 持有当前服务中的索引代。读取方在一次请求内只 Load 一次，
// 因此一次检索总是完整地看到某一代，重建期间的查询不会看到半成品。
type Handle struct {
	current atomic.Pointer[Index]
}

// NewHandle 创建空句柄，Load 返回 nil 直到第一次 Swap。
func NewHandle() *Handle {
	return &Handle{}
}

// Load 返回当前索引代，未初始化时为 nil。
func (h *Handle) Load() *Index {
	return h.current.Load()
}

// Swap 原子地替换当前索引代并返回旧代。
func (h *Handle) Swap(next *Index) *Index {
	prev := h.current.Swap(next)
	if prev != nil {
		log.Infof("[VectorIndex] 索引已切换: generation %d -> %d, 条目 %d", prev.Generation(), next.Generation(), next.Len())
	} else {
		log.Infof("[VectorIndex] 索引已初始化: generation %d, 条目 %d", next.Generation(), next.Len())
	}
	return prev
}

// NextGeneration 返回下一代编号。
func (h *Handle) NextGeneration() uint64 {
	if cur := h.current.Load(); cur != nil {
		return cur.Generation() + 1
	}
	return 1
}

// Teardown 清空句柄，之后的检索得到 IndexEmpty。
func (h *Handle) Teardown() {
	h.current.Store(nil)
	log.Info("[VectorIndex] 索引已释放")
}

// 包 layercache：按（图层, 时间, 缩放桶）缓存已拉取记录的有界 FIFO 存储
package layercache

import (
	"container/list"
	"fmt"
	"math"
	"sync"
)

const (
	// 通用图层缓存上限
	DefaultMaxSize = 50
	// 边界缓存上限：边界几何体积大，条目更少
	BoundaryMaxSize = 20
)

// 文档注释：FIFO 缓存
// 背景：拉取结果按键缓存，避免时间轴来回拖动时重复请求远端；按插入顺序淘汰，不做访问时间记录。
// 约束：对已存在键再次 Set 仅替换值、保持原插入位置；Set 本身不淘汰，由调用方在写入后执行 Prune。
type Cache struct {
	mu      sync.Mutex
	maxSize int
	lst     *list.List
	dict    map[string]*list.Element
}

type entry struct {
	k string
	v []any
}

func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{maxSize: maxSize, lst: list.New(), dict: make(map[string]*list.Element)}
}

// Key：构造缓存键，缩放级别向下取整作为分桶，避免微小缩放抖动触发重复拉取
func Key(layerID string, year int, zoom float64) string {
	return fmt.Sprintf("%s_%d_%d", layerID, year, int(math.Floor(zoom)))
}

func (c *Cache) Get(k string) ([]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.dict[k]; ok {
		return e.Value.(entry).v, true
	}
	return nil, false
}

func (c *Cache) Set(k string, v []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.dict[k]; ok {
		e.Value = entry{k: k, v: v}
		return
	}
	c.dict[k] = c.lst.PushBack(entry{k: k, v: v})
}

// 文档注释：按插入顺序淘汰最早条目，直到条目数不超过 maxSize
// 返回：被淘汰的条目数；maxSize<=0 时使用构造时的上限。
func (c *Cache) Prune(maxSize int) int {
	if maxSize <= 0 {
		maxSize = c.maxSize
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for c.lst.Len() > maxSize {
		front := c.lst.Front()
		delete(c.dict, front.Value.(entry).k)
		c.lst.Remove(front)
		removed++
	}
	return removed
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lst.Init()
	c.dict = make(map[string]*list.Element)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lst.Len()
}

func (c *Cache) MaxSize() int { return c.maxSize }

// Keys：按插入顺序返回全部键（最早在前）
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, c.lst.Len())
	for e := c.lst.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(entry).k)
	}
	return out
}

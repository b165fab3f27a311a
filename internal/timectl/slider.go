// 包 timectl：时间轴组件契约与多订阅者实现
package timectl

import (
	"sort"
	"sync"
	"time"

	"timemap/internal/logger"
)

// Clock：查询当前显示时间
type Clock interface {
	Now() time.Time
}

// 文档注释：时间滑块
// 背景：提供多订阅者的变更事件，编排器与边界图层各自独立订阅，不再包装彼此的回调。
// 约束：订阅者在 Set 的调用方协程中按订阅顺序同步执行，每次变更各执行一次；时间未变化时不通知。
type Slider struct {
	mu      sync.RWMutex
	now     time.Time
	subs    map[int]func(time.Time)
	nextSub int
}

func NewSlider(t time.Time) *Slider {
	return &Slider{now: t, subs: make(map[int]func(time.Time))}
}

// YearStart：某年 1 月 1 日（UTC）
func YearStart(year int) time.Time {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
}

func (s *Slider) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

func (s *Slider) Year() int { return s.Now().Year() }

func (s *Slider) Set(t time.Time) {
	s.mu.Lock()
	if t.Equal(s.now) {
		s.mu.Unlock()
		return
	}
	s.now = t
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(time.Time), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()
	logger.L().Debug("time_changed", "time", t.Format("2006-01-02"), "subscribers", len(subs))
	for _, fn := range subs {
		fn(t)
	}
}

func (s *Slider) SetYear(year int) { s.Set(YearStart(year)) }

// Subscribe：注册变更回调，返回取消函数
func (s *Slider) Subscribe(fn func(time.Time)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

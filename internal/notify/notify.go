// 包 notify：面向用户的短时提示（info/success/error），自动过期；同时写入日志作为持久记录
package notify

import (
	"sync"
	"time"

	"timemap/internal/logger"

	"github.com/pborman/uuid"
)

type Kind string

const (
	Info    Kind = "info"
	Success Kind = "success"
	Error   Kind = "error"
)

// Notice：一条提示
type Notice struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"type"`
	Message string    `json:"message"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires"`
}

// Notifier：提示发送契约，编排器与边界图层只依赖该接口
type Notifier interface {
	Notify(kind Kind, msg string)
}

// 默认展示时长：错误提示停留更久
const (
	DefaultTTL = 3 * time.Second
	ErrorTTL   = 4 * time.Second
	maxNotices = 100
)

// 文档注释：提示中心
// 背景：保存近期提示供前端轮询展示；过期提示在读取时剔除，无需后台清理协程。
// 约束：最多保留 100 条，超出时丢弃最早的提示；线程安全。
type Center struct {
	mu      sync.Mutex
	notices []Notice
	now     func() time.Time
}

func NewCenter() *Center { return &Center{now: time.Now} }

func (c *Center) Notify(kind Kind, msg string) {
	ttl := DefaultTTL
	if kind == Error {
		ttl = ErrorTTL
	}
	switch kind {
	case Error:
		logger.L().Error("notice", "type", string(kind), "message", msg)
	default:
		logger.L().Info("notice", "type", string(kind), "message", msg)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.notices = append(c.notices, Notice{ID: uuid.New(), Kind: kind, Message: msg, Created: now, Expires: now.Add(ttl)})
	if len(c.notices) > maxNotices {
		c.notices = append([]Notice(nil), c.notices[len(c.notices)-maxNotices:]...)
	}
}

// Active：返回未过期提示（最早在前），顺带剔除已过期条目
func (c *Center) Active() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	kept := c.notices[:0]
	for _, n := range c.notices {
		if now.Before(n.Expires) {
			kept = append(kept, n)
		}
	}
	c.notices = kept
	return append([]Notice(nil), kept...)
}

// Dismiss：手动关闭提示，返回是否存在
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.notices {
		if n.ID == id {
			c.notices = append(c.notices[:i], c.notices[i+1:]...)
			return true
		}
	}
	return false
}

// Discard：丢弃全部提示，仅记录日志
type Discard struct{}

func (Discard) Notify(kind Kind, msg string) {
	logger.L().Debug("notice_discarded", "type", string(kind), "message", msg)
}

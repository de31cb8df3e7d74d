package tokenizer

import (
	"fmt"
	"strings"
	"sync"
)

// Counter 统一的 Token 计数接口
type Counter interface {
	// CountText 返回单段文本的 token 数
	CountText(text string) (int, error)

	// CountMessages 返回一组消息的总 token 数，
	// 含每条消息的角色标记与分隔符开销
	CountMessages(messages []Message) (int, error)

	// MaxTokens 返回模型的最大上下文长度
	MaxTokens() int

	// Name 返回计数器名称
	Name() string
}

// Message 计数用的轻量消息结构，避免对上层请求类型的依赖
type Message struct {
	Role    string
	Content string
}

// 按模型名的计数器注册表
var (
	counters   = make(map[string]Counter)
	countersMu sync.RWMutex
)

// Register 为模型名注册计数器
func Register(model string, c Counter) {
	countersMu.Lock()
	defer countersMu.Unlock()
	counters[model] = c
}

// Lookup 返回模型的计数器，支持前缀匹配
// （"gpt-4o-2024-08-06" 命中 "gpt-4o"）
func Lookup(model string) (Counter, error) {
	countersMu.RLock()
	defer countersMu.RUnlock()

	if c, ok := counters[model]; ok {
		return c, nil
	}
	for prefix, c := range counters {
		if strings.HasPrefix(model, prefix) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no token counter registered for model: %s", model)
}

// ForModel 返回模型的计数器，未注册时回退到估算器。
// 网关对未知上游模型永远有一个可用的计数器。
func ForModel(model string) Counter {
	c, err := Lookup(model)
	if err != nil {
		return NewEstimator(model, 0)
	}
	return c
}

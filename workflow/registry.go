package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// =============================================================================
// 📇 步骤注册表
// =============================================================================

// Registry 步骤名到实例的注册表。模板只引用名字，不接触具体类型。
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register 注册步骤。空名与重名直接报错。
func (r *Registry) Register(step Step) error {
	name := step.Name()
	if name == "" {
		return fmt.Errorf("step name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[name]; exists {
		return fmt.Errorf("step %q already registered", name)
	}
	r.steps[name] = step
	return nil
}

// MustRegister 注册失败即 panic，用于启动期装配
func (r *Registry) MustRegister(step Step) {
	if err := r.Register(step); err != nil {
		panic(err)
	}
}

// Get 按名取步骤
func (r *Registry) Get(name string) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[name]
	return s, ok
}

// GetMany 按模板的步骤名列表取实例，缺失即报错
func (r *Registry) GetMany(names []string) ([]Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Step, 0, len(names))
	for _, name := range names {
		s, ok := r.steps[name]
		if !ok {
			return nil, fmt.Errorf("step %q not registered", name)
		}
		out = append(out, s)
	}
	return out, nil
}

// Names 已注册步骤名（升序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for n := range r.steps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

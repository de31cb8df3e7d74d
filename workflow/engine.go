package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/internal/eventbus"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// ⚙️ 编排引擎
// =============================================================================

// CyclicDependencyError 步骤依赖成环
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic dependency detected: " + strings.Join(e.Cycle, " -> ")
}

// ExecutionResult 一次编排的结果
type ExecutionResult struct {
	Success     bool
	FailedStep  string
	Err         error
	StepResults map[string]StepResult
}

// Engine 按模板执行步骤管线。构造时完成环检测与拓扑分层，
// 执行期对每个请求严格串行（上下文变更安全、顺序确定）。
type Engine struct {
	template Template
	steps    map[string]Step
	layers   [][]string
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewEngine 用注册表按模板装配引擎。
// 依赖缺失或成环在这里失败，不留到请求期。
func NewEngine(tpl Template, registry *Registry, collector *metrics.Collector, logger *zap.Logger) (*Engine, error) {
	instances, err := registry.GetMany(tpl.Steps)
	if err != nil {
		return nil, err
	}

	steps := make(map[string]Step, len(instances))
	for _, s := range instances {
		steps[s.Name()] = s
	}
	for name, s := range steps {
		for _, dep := range s.DependsOn() {
			if _, ok := steps[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", name, dep)
			}
		}
	}

	if cycle := findCycle(tpl.Steps, steps); cycle != nil {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}

	return &Engine{
		template: tpl,
		steps:    steps,
		layers:   executionLayers(tpl.Steps, steps),
		metrics:  collector,
		logger:   logger.With(zap.String("component", "engine")),
	}, nil
}

// findCycle DFS 三色标记找环，返回环路径（无环返回 nil）
func findCycle(names []string, steps map[string]Step) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(names))
	var path []string

	var dfs func(node string) []string
	dfs = func(node string) []string {
		color[node] = gray
		path = append(path, node)
		for _, dep := range steps[node].DependsOn() {
			if color[dep] == gray {
				for i, n := range path {
					if n == dep {
						return append(append([]string(nil), path[i:]...), dep)
					}
				}
			}
			if color[dep] == white {
				if cycle := dfs(dep); cycle != nil {
					return cycle
				}
			}
		}
		color[node] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, n := range names {
		if color[n] == white {
			if cycle := dfs(n); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// executionLayers Kahn 拓扑分层。层内保持模板声明顺序（执行仍是串行的，
// 分层只为中止时界定传递依赖）。
func executionLayers(names []string, steps map[string]Step) [][]string {
	inDegree := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))
	for _, name := range names {
		for _, dep := range steps[name].DependsOn() {
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var layers [][]string
	queue := make([]string, 0, len(names))
	for _, n := range names {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		layers = append(layers, queue)
		var next []string
		for _, node := range queue {
			for _, dependent := range dependents[node] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		queue = next
	}
	return layers
}

// Execute 执行管线。返回的 ExecutionResult 与 wc 的错误标记保持一致。
func (e *Engine) Execute(ctx context.Context, wc *Context) ExecutionResult {
	result := ExecutionResult{Success: true, StepResults: make(map[string]StepResult, len(e.steps))}
	aborted := make(map[string]bool)

	e.logger.Info("orchestration started",
		zap.String("trace_id", wc.TraceID),
		zap.String("channel", string(wc.Channel)),
		zap.String("capability", string(wc.Capability)),
		zap.Int("layers", len(e.layers)))

	for _, layer := range e.layers {
		for _, name := range layer {
			step := e.steps[name]

			if e.dependsOnAborted(step, aborted) {
				aborted[name] = true
				result.StepResults[name] = StepResult{Status: StatusSkipped, Message: "dependency aborted"}
				continue
			}
			if skipper, ok := step.(Skipper); ok && skipper.ShouldSkip(wc) {
				result.StepResults[name] = StepResult{Status: StatusSkipped}
				continue
			}
			if e.skipByChannel(name, wc) {
				result.StepResults[name] = StepResult{Status: StatusSkipped}
				continue
			}

			stepResult := e.executeStep(ctx, step, wc)
			result.StepResults[name] = stepResult

			if stepResult.Status == StatusFailed {
				aborted[name] = true
				result.Success = false
				result.FailedStep = name
				wc.FailedStep = name
				if wc.ErrorCode == "" {
					wc.MarkError(types.SourceGateway, types.ErrInternal, stepResult.Message)
				}
				e.logger.Error("orchestration aborted",
					zap.String("trace_id", wc.TraceID),
					zap.String("step", name),
					zap.String("error_code", string(wc.ErrorCode)))
			}
		}
	}

	e.logger.Info("orchestration completed",
		zap.String("trace_id", wc.TraceID),
		zap.Bool("success", result.Success),
		zap.Float64("total_ms", wc.TotalDurationMS()))
	return result
}

// dependsOnAborted 直接或传递依赖了已中止步骤
func (e *Engine) dependsOnAborted(step Step, aborted map[string]bool) bool {
	for _, dep := range step.DependsOn() {
		if aborted[dep] {
			return true
		}
	}
	return false
}

func (e *Engine) skipByChannel(name string, wc *Context) bool {
	for _, ch := range e.template.ConfigFor(name).SkipOnChannels {
		if ch == string(wc.Channel) {
			return true
		}
	}
	return false
}

// executeStep 单步执行：状态帧 + 超时 + 重试退避 + 失败决策
func (e *Engine) executeStep(ctx context.Context, step Step, wc *Context) StepResult {
	name := step.Name()
	cfg := e.template.ConfigFor(name)
	stage := StageFor(name)
	maxAttempts := cfg.MaxRetries + 1

	var lastErr error
	var lastResult StepResult
	start := time.Now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if stage != "" {
			wc.EmitStatus(stage, name, eventbus.StateRunning, "")
		}

		res, err := e.runWithTimeout(ctx, step, wc, cfg.Timeout)
		if err == nil && res.Status != StatusFailed {
			durationMS := float64(time.Since(start)) / float64(time.Millisecond)
			res.DurationMS = durationMS
			wc.MarkStepExecuted(name, durationMS)
			if e.metrics != nil {
				e.metrics.RecordStep(name, time.Since(start))
			}
			if stage != "" {
				wc.EmitStatus(stage, name, eventbus.StateSuccess, "")
			}
			return res
		}

		if err == nil {
			err = fmt.Errorf("%s", res.Message)
		}
		lastErr = err
		lastResult = res
		e.logger.Warn("step failed",
			zap.String("trace_id", wc.TraceID),
			zap.String("step", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err))

		action := ActionAbort
		if policy, ok := step.(FailurePolicy); ok {
			action = policy.OnFailure(wc, err, attempt)
		}

		switch action {
		case ActionRetry:
			if attempt < maxAttempts {
				delay := cfg.RetryDelay << (attempt - 1)
				select {
				case <-ctx.Done():
				case <-time.After(delay):
					continue
				}
			}

		case ActionSkip:
			e.logger.Info("step skipped after failure",
				zap.String("trace_id", wc.TraceID), zap.String("step", name))
			return StepResult{Status: StatusSkipped, Message: err.Error()}

		case ActionDegrade:
			if degrader, ok := step.(Degrader); ok {
				if res, derr := degrader.Degrade(ctx, wc, err); derr == nil {
					durationMS := float64(time.Since(start)) / float64(time.Millisecond)
					res.Status = StatusDegraded
					res.DurationMS = durationMS
					wc.MarkStepExecuted(name, durationMS)
					if stage != "" {
						wc.EmitStatus(stage, name, eventbus.StateSuccess, "degraded")
					}
					return res
				}
			}
		}
		break
	}

	// 重试耗尽或决定中止
	durationMS := float64(time.Since(start)) / float64(time.Millisecond)
	wc.MarkStepExecuted(name, durationMS)
	if wc.ErrorCode == "" {
		wc.MarkGatewayError(lastErr)
	}
	if e.metrics != nil {
		e.metrics.RecordStepFailure(name, string(types.GetErrorCode(lastErr)))
	}
	if stage != "" {
		wc.EmitStatus(stage, name, eventbus.StateFailed, string(wc.ErrorCode))
	}

	message := lastResult.Message
	if message == "" && lastErr != nil {
		message = lastErr.Error()
	}
	return StepResult{Status: StatusFailed, Message: message, DurationMS: durationMS}
}

// runWithTimeout 带超时执行一步。超时归 STEP_TIMEOUT，
// 在途步骤实现了 Canceller 时回调取消。
func (e *Engine) runWithTimeout(ctx context.Context, step Step, wc *Context, timeout time.Duration) (StepResult, error) {
	if timeout <= 0 {
		return step.Execute(ctx, wc)
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res StepResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := step.Execute(stepCtx, wc)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-stepCtx.Done():
		if canceller, ok := step.(Canceller); ok {
			canceller.Cancel()
		}
		if ctx.Err() != nil {
			return StepResult{}, types.NewError(types.SourceGateway, types.ErrInternal,
				"request cancelled").WithCause(ctx.Err()).WithHTTPStatus(499)
		}
		return StepResult{}, types.NewError(types.SourceGateway, types.ErrStepTimeout,
			"step "+step.Name()+" timed out").WithHTTPStatus(504)
	}
}

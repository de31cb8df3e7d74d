package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🔄 加载器
// =============================================================================

// Loader 配置加载器
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader 创建配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "GATEFLOW",
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load 加载配置: 默认值 → YAML → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		if err := l.loadYAML(cfg); err != nil {
			return nil, err
		}
	}

	if err := l.applyEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadYAML 从 YAML 文件加载，未知字段直接报错
func (l *Loader) loadYAML(cfg *Config) error {
	f, err := os.Open(l.configPath)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", l.configPath, err)
	}
	return nil
}

// applyEnv 递归应用环境变量覆盖
// 变量名规则: {prefix}_{ENV_TAG}，嵌套结构体用下划线连接
func (l *Loader) applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("env")
		if tag == "" {
			continue
		}
		key := prefix + "_" + tag

		fv := v.Field(i)
		if fv.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			if err := l.applyEnv(fv, key); err != nil {
				return err
			}
			continue
		}

		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setField(fv, raw); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}
	return nil
}

// setField 将字符串值写入目标字段
func setField(fv reflect.Value, raw string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		// time.Duration 支持 "30s" 形式
		if fv.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			fv.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", fv.Type())
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		fv.Set(reflect.ValueOf(out))
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}

// =============================================================================
// ✅ 校验
// =============================================================================

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if c.Security.MaxRequestBytes <= 0 {
		return fmt.Errorf("security.max_request_bytes must be positive")
	}
	if c.Security.SignatureSkewSeconds <= 0 {
		return fmt.Errorf("security.signature_skew_seconds must be positive")
	}
	if c.Security.SignatureFailThreshold <= 0 {
		return fmt.Errorf("security.signature_fail_threshold must be positive")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.window_seconds must be positive")
	}
	if c.Upstream.MaxAttempts <= 0 {
		return fmt.Errorf("upstream.max_attempts must be positive")
	}
	if c.Upstream.BreakerThreshold <= 0 {
		return fmt.Errorf("upstream.breaker_threshold must be positive")
	}
	if c.Routing.Epsilon < 0 || c.Routing.Epsilon > 1 {
		return fmt.Errorf("routing.epsilon must be in [0,1]")
	}
	switch c.Database.Dialect {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("database.dialect must be mysql, postgres or sqlite, got %q", c.Database.Dialect)
	}
	switch c.Audit.Sink {
	case "db", "mongo", "log":
	default:
		return fmt.Errorf("audit.sink must be db, mongo or log, got %q", c.Audit.Sink)
	}
	return nil
}

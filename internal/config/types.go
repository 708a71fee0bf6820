package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/swproxy/internal/worker"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的日志格式。
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// 支持的缓存后端。
const (
	StoreBackendFS     = "fs"
	StoreBackendBadger = "badger"
)

// GlobalConfig 描述全局运行时行为，所有 Scope 共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFormat       string   `mapstructure:"LogFormat"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StoreBackend    string   `mapstructure:"StoreBackend"`
	Origin          string   `mapstructure:"Origin"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// ScopeConfig 描述一个拦截器注册：作用路径、缓存名、预缓存列表与回退策略。
type ScopeConfig struct {
	Name         string        `mapstructure:"Name"`
	Path         string        `mapstructure:"Path"`
	CacheName    string        `mapstructure:"CacheName"`
	Policy       worker.Policy `mapstructure:"Policy"`
	SeedURLs     []string      `mapstructure:"SeedURLs"`
	ClaimClients *bool         `mapstructure:"ClaimClients"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Scopes []ScopeConfig `mapstructure:"Scope"`
}

// ClaimsClients 未显式配置时默认接管已打开的页面。
func (s ScopeConfig) ClaimsClients() bool {
	if s.ClaimClients == nil {
		return true
	}
	return *s.ClaimClients
}

// WorkerOptions 将 Scope 配置转换为 worker.Registration 的构造参数。
func (s ScopeConfig) WorkerOptions() worker.Options {
	return worker.Options{
		Scope:        s.Name,
		Path:         s.Path,
		CacheName:    s.CacheName,
		Policy:       s.Policy,
		SeedURLs:     append([]string(nil), s.SeedURLs...),
		ClaimClients: s.ClaimsClients(),
	}
}

// PolicySummary 返回所有 Scope 的策略摘要，例如 app:network-first-always。
func PolicySummary(scopes []ScopeConfig) []string {
	if len(scopes) == 0 {
		return nil
	}
	result := make([]string, len(scopes))
	for i, scope := range scopes {
		result[i] = fmt.Sprintf("%s:%s", scope.Name, scope.Policy)
	}
	return result
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/swproxy/internal/worker"
)

var supportedStoreBackends = map[string]struct{}{
	StoreBackendFS:     {},
	StoreBackendBadger: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogFormat != LogFormatJSON && g.LogFormat != LogFormatText {
		return newFieldError("Global.LogFormat", "仅支持 json/text")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedStoreBackends[g.StoreBackend]; !ok {
		return newFieldError("Global.StoreBackend", "仅支持 fs/badger")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}

	if len(c.Scopes) == 0 {
		return errors.New("至少需要配置一个 Scope")
	}

	seenNames := map[string]struct{}{}
	seenPaths := map[string]string{}
	for i := range c.Scopes {
		scope := &c.Scopes[i]
		if scope.Name == "" {
			return newFieldError("Scope[].Name", "不能为空")
		}
		if _, exists := seenNames[scope.Name]; exists {
			return newFieldError(scopeField(scope.Name, "Name"), "重复")
		}
		seenNames[scope.Name] = struct{}{}

		if !strings.HasPrefix(scope.Path, "/") {
			return newFieldError(scopeField(scope.Name, "Path"), "必须以 / 开头")
		}
		if other, exists := seenPaths[scope.Path]; exists {
			return newFieldError(scopeField(scope.Name, "Path"), fmt.Sprintf("与 %s 重复", other))
		}
		seenPaths[scope.Path] = scope.Name

		if err := validateCacheName(scope.CacheName); err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "CacheName"), err)
		}

		if scope.Policy == "" {
			return newFieldError(scopeField(scope.Name, "Policy"), "必须显式配置 "+worker.PolicyList)
		}
		policy, err := worker.ParsePolicy(string(scope.Policy))
		if err != nil {
			return newFieldError(scopeField(scope.Name, "Policy"), "仅支持 "+worker.PolicyList)
		}
		scope.Policy = policy

		for _, seed := range scope.SeedURLs {
			if err := validateSeedURL(seed); err != nil {
				return fmt.Errorf("%s: %w", scopeField(scope.Name, "SeedURLs"), err)
			}
		}
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不允许包含路径: %s", raw)
	}
	return nil
}

func validateCacheName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("包含非法字符: %s", name)
	}
	return nil
}

func validateSeedURL(seed string) error {
	if seed == "" {
		return errors.New("预缓存地址不能为空")
	}
	if !strings.HasPrefix(seed, "/") || strings.HasPrefix(seed, "//") {
		return fmt.Errorf("预缓存地址必须是同源路径: %s", seed)
	}
	if _, err := url.ParseRequestURI(seed); err != nil {
		return fmt.Errorf("预缓存地址非法: %s", seed)
	}
	return nil
}

package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供作用域/策略/响应来源字段，供拦截日志复用。作用域之外的请求 scope 为空。
func RequestFields(scope, cacheName, policy, clientID, source string) logrus.Fields {
	fields := logrus.Fields{
		"scope":      scope,
		"cache_name": cacheName,
		"policy":     policy,
		"source":     source,
	}
	if clientID != "" {
		fields["client_id"] = clientID
	}
	return fields
}

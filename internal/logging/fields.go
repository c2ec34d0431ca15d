package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 app/domain/来源字段，供网关请求日志复用。
// source 为空表示请求未被拦截、直接透传上游。
func RequestFields(app, domain, authMode, source string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"app":       app,
		"domain":    domain,
		"auth_mode": authMode,
		"cache_hit": cacheHit,
	}
	if source == "" {
		fields["source"] = "passthrough"
	} else {
		fields["source"] = source
	}
	return fields
}

// LifecycleFields 描述某个版本的生命周期事件。
func LifecycleFields(app, version, state string) logrus.Fields {
	return logrus.Fields{
		"action":  "lifecycle",
		"app":     app,
		"version": version,
		"state":   state,
	}
}

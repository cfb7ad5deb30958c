package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 app/domain/版本/应答路径字段，供请求日志复用。
// version 为空表示请求发生时尚无控制版本。
func RequestFields(app, domain, version, outcome string) logrus.Fields {
	return logrus.Fields{
		"action":  "fetch",
		"app":     app,
		"domain":  domain,
		"version": version,
		"outcome": outcome,
	}
}

// LifecycleFields 用于注册、激活等后台流程。
func LifecycleFields(action, app, version string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"app":     app,
		"version": version,
	}
}

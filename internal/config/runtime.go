package config

import (
	"fmt"

	"github.com/any-hub/offline-hub/internal/manifest"
)

// AppRuntime 将 App 配置与已加载的清单合并，供启动流程与路由使用。
type AppRuntime struct {
	Config   AppConfig
	Origin   string
	Manifest *manifest.Manifest
}

// BuildAppRuntime 加载 App 的清单文件并生成运行时描述。
func BuildAppRuntime(cfg AppConfig) (AppRuntime, error) {
	m, err := manifest.Load(cfg.Manifest)
	if err != nil {
		return AppRuntime{}, fmt.Errorf("%s: %w", appField(cfg.Name, "Manifest"), err)
	}
	return AppRuntime{
		Config:   cfg,
		Origin:   cfg.Origin(),
		Manifest: m,
	}, nil
}

// BuildAppRuntimes 为全部 App 加载清单，任一失败即返回。
func (c *Config) BuildAppRuntimes() ([]AppRuntime, error) {
	runtimes := make([]AppRuntime, 0, len(c.Apps))
	for _, app := range c.Apps {
		rt, err := BuildAppRuntime(app)
		if err != nil {
			return nil, err
		}
		runtimes = append(runtimes, rt)
	}
	return runtimes, nil
}

package config

import (
	"errors"
	"testing"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[[App]]
Name = "docs"
Domain = "docs.local"
Upstream = "http://127.0.0.1:8080"
Manifest = "manifest.json"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsAppLevelPort(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[App]]
Name = "docs"
Domain = "docs.local"
Port = 6000
Upstream = "http://127.0.0.1:8080"
Manifest = "manifest.json"
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "App[docs].Port" {
		t.Fatalf("App 级 Port 应返回 FieldError, got %v", err)
	}
}

func TestLoadRejectsMissingManifestFile(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[App]]
Name = "docs"
Domain = "docs.local"
Upstream = "http://127.0.0.1:8080"
Manifest = "nope.json"
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "App[docs].Manifest" {
		t.Fatalf("缺失清单文件应返回 FieldError, got %v", err)
	}
}

func TestLoadSecondsAsDuration(t *testing.T) {
	cfg := `
StoragePath = "./data"
UpstreamTimeout = 45

[[App]]
Name = "docs"
Domain = "docs.local"
Upstream = "http://127.0.0.1:8080"
Manifest = "manifest.json"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.UpstreamTimeout.DurationValue().Seconds() != 45 {
		t.Fatalf("纯秒数应解析为 Duration: %v", loaded.Global.UpstreamTimeout.DurationValue())
	}
}

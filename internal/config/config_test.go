package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StorageBackend != "sqlite" {
		t.Fatalf("StorageBackend 应被解析为 sqlite, got %s", cfg.Global.StorageBackend)
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应转换为绝对路径: %s", cfg.Global.StoragePath)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %v", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.LogMaxSize != 100 || cfg.Global.LogMaxBackups != 10 || !cfg.Global.LogCompress {
		t.Fatalf("日志默认值未填充: %+v", cfg.Global)
	}

	docs, ok := cfg.App("docs")
	if !ok {
		t.Fatalf("缺少 docs 应用")
	}
	if docs.Domain != "docs.local" || docs.Origin != "http://docs.local" {
		t.Fatalf("Domain/Origin 默认值错误: %+v", docs)
	}
	if docs.Manifest != filepath.Join("testdata", "docs_manifest.json") {
		t.Fatalf("Manifest 应相对配置目录解析: %s", docs.Manifest)
	}

	console, _ := cfg.App("console")
	if console.Origin != "https://console.example.com" {
		t.Fatalf("显式 Origin 应保留: %s", console.Origin)
	}
	modes := CredentialModes(cfg.Apps)
	if modes[0] != "docs:anonymous" || modes[1] != "console:credentialed" {
		t.Fatalf("鉴权模式摘要错误: %v", modes)
	}
}

func TestValidateRejectsBadApp(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestStorageBackendValidation(t *testing.T) {
	testCases := []struct {
		name      string
		backend   string
		shouldErr bool
	}{
		{"fs ok", "fs", false},
		{"sqlite ok", "sqlite", false},
		{"memory ok", "memory", false},
		{"empty defaults to fs", "", false},
		{"unsupported", "s3", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StorageBackend = tc.backend
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for backend %q", tc.backend)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for backend %q: %v", tc.backend, err)
			}
		})
	}
}

func TestValidateAppFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing name", func(c *Config) { c.Apps[0].Name = "" }},
		{"name with slash", func(c *Config) { c.Apps[0].Name = "a/b" }},
		{"domain with scheme", func(c *Config) { c.Apps[0].Domain = "http://docs.local" }},
		{"origin with path", func(c *Config) { c.Apps[0].Origin = "http://docs.local/app" }},
		{"missing manifest", func(c *Config) { c.Apps[0].Manifest = "" }},
		{"bad upstream", func(c *Config) { c.Apps[0].Upstream = "ftp://mirror" }},
		{"bad proxy", func(c *Config) { c.Apps[0].Proxy = "socks5" }},
		{"duplicate name", func(c *Config) {
			dup := c.Apps[0]
			dup.Domain = "other.local"
			c.Apps = append(c.Apps, dup)
		}},
		{"duplicate domain", func(c *Config) {
			dup := c.Apps[0]
			dup.Name = "other"
			c.Apps = append(c.Apps, dup)
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateRequiresCredentialPairs(t *testing.T) {
	cfg := validConfig()
	cfg.Apps[0].Username = "foo"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("仅提供 Username 时应报错")
	}
}

func TestValidateNormalizesOrigin(t *testing.T) {
	cfg := validConfig()
	cfg.Apps[0].Origin = "HTTP://Docs.Local/"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Apps[0].Origin != "http://docs.local" {
		t.Fatalf("Origin 未归一化: %s", cfg.Apps[0].Origin)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			StorageBackend:  "fs",
			UpstreamTimeout: Duration(time.Second),
		},
		Apps: []AppConfig{
			{
				Name:     "docs",
				Domain:   "docs.local",
				Origin:   "http://docs.local",
				Upstream: "http://127.0.0.1:8080",
				Manifest: "manifest.json",
			},
		},
	}
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// configFixture 返回 internal/config/testdata 下的配置样例，样例引用的清单文件位于同一目录。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("无法定位测试文件")
	}
	return filepath.Join(filepath.Dir(file), "internal", "config", "testdata", name)
}

// writeAppConfig 在临时目录写入 config.toml 与其引用的 manifest.json，返回配置路径。
func writeAppConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	manifest := []byte(`{"resources":{"/":"abc123","main.js":"def456"},"core":["/"]}`)
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifest, 0o600); err != nil {
		t.Fatalf("写入 manifest 失败: %v", err)
	}
	return file
}

// captureOutput 将 CLI 的 stdout/stderr 换成内存缓冲，测试结束后恢复。
func captureOutput(t *testing.T) (stdout, stderr *bytes.Buffer) {
	t.Helper()
	stdout, stderr = &bytes.Buffer{}, &bytes.Buffer{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = stdout, stderr
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return stdout, stderr
}

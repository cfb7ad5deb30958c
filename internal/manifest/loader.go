package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	scriptResourcesPattern = regexp.MustCompile(`(?s)const\s+RESOURCES\s*=\s*(\{.*?\})\s*;`)
	scriptCorePattern      = regexp.MustCompile(`(?s)const\s+CORE\s*=\s*(\[.*?\])\s*;`)
)

// Load 读取构建产物中的清单文件。支持两种格式：
//
//	*.json: {"resources": {"main.dart.js": "<hash>", ...}, "core": ["main.dart.js", ...]}
//	*.js:   构建工具生成的 service worker 脚本，直接提取 RESOURCES 与 CORE 字面量
func Load(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var bundle Bundle
	if strings.EqualFold(filepath.Ext(path), ".js") {
		bundle, err = ParseScript(data)
	} else {
		bundle, err = ParseJSON(data)
	}
	if err != nil {
		return Bundle{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := bundle.Validate(); err != nil {
		return Bundle{}, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return bundle, nil
}

// ParseJSON 解析 {"resources": {...}, "core": [...]} 格式。
func ParseJSON(data []byte) (Bundle, error) {
	if !gjson.ValidBytes(data) {
		return Bundle{}, errors.New("invalid json")
	}
	resources, err := parseResources(gjson.GetBytes(data, "resources"))
	if err != nil {
		return Bundle{}, err
	}
	core, err := parseCore(gjson.GetBytes(data, "core"))
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{Resources: resources, Core: core}, nil
}

// ParseScript 从生成的 service worker 脚本中提取 RESOURCES/CORE 常量。
func ParseScript(data []byte) (Bundle, error) {
	resourcesMatch := scriptResourcesPattern.FindSubmatch(data)
	if resourcesMatch == nil {
		return Bundle{}, errors.New("RESOURCES literal not found")
	}
	coreMatch := scriptCorePattern.FindSubmatch(data)
	if coreMatch == nil {
		return Bundle{}, errors.New("CORE literal not found")
	}
	if !gjson.ValidBytes(resourcesMatch[1]) || !gjson.ValidBytes(coreMatch[1]) {
		return Bundle{}, errors.New("RESOURCES/CORE literals are not plain JSON")
	}
	resources, err := parseResources(gjson.ParseBytes(resourcesMatch[1]))
	if err != nil {
		return Bundle{}, err
	}
	core, err := parseCore(gjson.ParseBytes(coreMatch[1]))
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{Resources: resources, Core: core}, nil
}

func parseResources(result gjson.Result) (Manifest, error) {
	if !result.IsObject() {
		return nil, errors.New("resources must be an object")
	}
	resources := Manifest{}
	var parseErr error
	result.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String {
			parseErr = fmt.Errorf("fingerprint of %q must be a string", key.String())
			return false
		}
		resources[key.String()] = value.String()
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return resources, nil
}

func parseCore(result gjson.Result) ([]string, error) {
	if !result.Exists() {
		return nil, nil
	}
	if !result.IsArray() {
		return nil, errors.New("core must be an array")
	}
	var core []string
	for _, item := range result.Array() {
		if item.Type != gjson.String {
			return nil, errors.New("core entries must be strings")
		}
		core = append(core, item.String())
	}
	return core, nil
}

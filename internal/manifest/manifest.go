// Package manifest 描述一个客户端版本的静态资源清单与路由前缀
package manifest

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrNoVersion   = errors.New("manifest version is required")
	ErrInvalidPath = errors.New("manifest path must start with /")
)

var (
	DefaultAPIPrefixes    = []string{"/api/", "/menu"}
	DefaultRealtimePrefix = "/ws/"
)

type Manifest struct {
	Version        string   `yaml:"version" json:"version"`
	StaticPaths    []string `yaml:"static_paths" json:"static_paths"`
	StaticPrefixes []string `yaml:"static_prefixes" json:"static_prefixes"`
	APIPrefixes    []string `yaml:"api_prefixes" json:"api_prefixes"`
	RealtimePrefix string   `yaml:"realtime_prefix" json:"realtime_prefix"`
	// OfflineFallback 离线兜底文档，总会被预缓存
	OfflineFallback string `yaml:"offline_fallback" json:"offline_fallback"`
}

// Parse 解析 YAML 或 JSON 清单并补全默认值
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return Parse(data)
}

func (m *Manifest) applyDefaults() {
	m.Version = strings.TrimSpace(m.Version)
	if len(m.APIPrefixes) == 0 {
		m.APIPrefixes = slices.Clone(DefaultAPIPrefixes)
	}
	if m.RealtimePrefix == "" {
		m.RealtimePrefix = DefaultRealtimePrefix
	}
	if m.OfflineFallback != "" && !slices.Contains(m.StaticPaths, m.OfflineFallback) {
		m.StaticPaths = append(m.StaticPaths, m.OfflineFallback)
	}
}

func (m *Manifest) Validate() error {
	if m.Version == "" {
		return ErrNoVersion
	}
	for _, group := range [][]string{m.StaticPaths, m.StaticPrefixes, m.APIPrefixes, {m.RealtimePrefix}} {
		for _, p := range group {
			if !strings.HasPrefix(p, "/") {
				return fmt.Errorf("%w: %q", ErrInvalidPath, p)
			}
		}
	}
	return nil
}

// IsStatic 精确匹配 static_paths 或前缀匹配 static_prefixes
func (m *Manifest) IsStatic(path string) bool {
	if slices.Contains(m.StaticPaths, path) {
		return true
	}
	return hasAnyPrefix(path, m.StaticPrefixes)
}

func (m *Manifest) IsAPI(path string) bool {
	return hasAnyPrefix(path, m.APIPrefixes)
}

func (m *Manifest) IsRealtime(path string) bool {
	return m.RealtimePrefix != "" && strings.HasPrefix(path, m.RealtimePrefix)
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

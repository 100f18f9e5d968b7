// Package update 控制缓存代的安装、激活与清理，保证一次加载内不会混用两个版本
package update

import (
	"errors"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/manifest"
)

var (
	ErrInstallFailed = errors.New("install failed")
	ErrNoUpdate      = errors.New("no update is waiting")
	ErrLeaseReleased = errors.New("lease already released")
)

const metaManifestPrefix = "manifest:"

// Generation 一个版本对应的一组缓存代
type Generation struct {
	Version  string
	Manifest *manifest.Manifest
	Static   string
	Dynamic  string
}

// Status Gatekeeper 状态快照
type Status struct {
	Active  string `json:"active"`
	Waiting string `json:"waiting,omitempty"`
	Leases  int    `json:"leases"`
}

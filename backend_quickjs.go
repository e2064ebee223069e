//go:build !v8

package scriptpool

import (
	"github.com/quillrun/scriptpool/internal/core"
	"github.com/quillrun/scriptpool/internal/quickjsengine"
)

func newEngine(cfg core.EngineConfig) (core.Engine, error) {
	return quickjsengine.New(cfg)
}

const compiledBackend = "quickjs"

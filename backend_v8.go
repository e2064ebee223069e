//go:build v8

package scriptpool

import (
	"github.com/quillrun/scriptpool/internal/core"
	"github.com/quillrun/scriptpool/internal/v8engine"
)

func newEngine(cfg core.EngineConfig) (core.Engine, error) {
	return v8engine.New(cfg)
}

const compiledBackend = "v8"

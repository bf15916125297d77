package debug

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/xhd2015/dbgwatch/debug/common"
	"github.com/xhd2015/dbgwatch/debug/dap"
	"github.com/xhd2015/dbgwatch/debug/headless"
)

// Engine kinds accepted by NewEngine
const (
	EngineDAP      = "dap"
	EngineHeadless = "headless"
)

// NewEngine creates a debug engine based on the debugger type
func NewEngine(debuggerType string, log logr.Logger) (common.Engine, error) {
	switch debuggerType {
	case EngineDAP:
		return dap.NewEngine(log), nil
	case EngineHeadless:
		return headless.NewEngine(log), nil
	default:
		return nil, fmt.Errorf("unsupported debugger type: %s", debuggerType)
	}
}

//go:build !windows

package audio

import (
	"fmt"

	"go.uber.org/zap"
)

// NewPlatformFacade has no real implementation off Windows. The engine
// still runs there with -mock, which substitutes the Simulator.
func NewPlatformFacade(logger *zap.SugaredLogger) (Facade, error) {
	return nil, fmt.Errorf("%w: session audio API is only available on windows", ErrPlatformInit)
}

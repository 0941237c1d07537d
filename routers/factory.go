package routers

import (
	"fmt"

	"github.com/modelmux/modelmux/pkg/router"
)

// New creates a picker for the given strategy. Unknown strategies fail at
// construction, not at first pick.
func New(cfg router.Config) (Picker, error) {
	switch cfg.Strategy {
	case router.StrategySimpleShuffle, router.StrategyWeightedPick, "":
		return NewShufflePicker(), nil
	case router.StrategyLeastBusy:
		return NewLeastBusyPicker(), nil
	case router.StrategyLatencyBased:
		return NewLatencyPicker(cfg.LatencyBuffer), nil
	case router.StrategyUsageBased:
		return NewUsagePicker(), nil
	default:
		return nil, fmt.Errorf("unknown routing strategy: %s", cfg.Strategy)
	}
}

// AvailableStrategies returns all valid routing strategies.
func AvailableStrategies() []router.Strategy {
	return []router.Strategy{
		router.StrategySimpleShuffle,
		router.StrategyWeightedPick,
		router.StrategyLeastBusy,
		router.StrategyLatencyBased,
		router.StrategyUsageBased,
	}
}

// IsValidStrategy checks if a strategy string is valid.
func IsValidStrategy(s string) bool {
	for _, valid := range AvailableStrategies() {
		if router.Strategy(s) == valid {
			return true
		}
	}
	return false
}

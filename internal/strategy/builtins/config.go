package builtins

import (
	"strings"

	"tradedesk/internal/config"
	"tradedesk/internal/strategy"
)

// FromConfig builds a registry holding every strategy enabled in cfg.
func FromConfig(cfg config.StrategiesConfig) (*strategy.Registry, error) {
	reg := strategy.NewRegistry()
	for _, c := range cfg.SMACross {
		s, err := NewSMACross(c.ID, strings.ToUpper(c.Symbol), c.Short, c.Long, c.Quantity, c.BrokerID)
		if err != nil {
			return nil, err
		}
		reg.Register(s)
	}
	return reg, nil
}

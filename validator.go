package vitalsguard

import (
	"errors"
	"fmt"
)

type DefaultConfigValidator struct{}

func NewDefaultConfigValidator() *DefaultConfigValidator {
	return &DefaultConfigValidator{}
}

// Validate runs the struct tag rules and then the cross-field checks the
// tags cannot express.
func (v *DefaultConfigValidator) Validate(config *Config) error {
	if config == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("invalid config: %s", describeValidation(err))
	}

	usesRedis := config.Freshness.Backend == BackendRedis || config.RateLimit.Backend == BackendRedis
	if usesRedis && config.Redis.Addr == "" {
		return errors.New("invalid config: redis.addr is required when a redis backend is selected")
	}
	if config.RateLimit.Backend == BackendRedis && config.RateLimit.Algorithm != AlgorithmFixedWindow {
		return fmt.Errorf("invalid config: the redis rate limiter only supports the %q algorithm", AlgorithmFixedWindow)
	}
	if config.Storage.Driver != "" && config.Storage.DSN == "" {
		return fmt.Errorf("invalid config: storage.dsn is required for driver %s", config.Storage.Driver)
	}
	if len(config.Server.TrustedProxies) > 0 && len(parseCIDRs(config.Server.TrustedProxies)) != len(config.Server.TrustedProxies) {
		return errors.New("invalid config: server.trustedProxies contains an invalid address")
	}
	if config.Server.ShutdownTimeout < 0 {
		return errors.New("invalid config: server.shutdownTimeout must not be negative")
	}
	return nil
}

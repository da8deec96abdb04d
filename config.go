package microbus

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ErrorPolicy decides what happens to a dispatch failure on the consuming side.
// Messages are auto-acknowledged either way; the policy only controls the signal.
type ErrorPolicy int

const (
	// ErrorPolicyReport logs the failure, emits EventDispatchError and calls the ErrorHandler.
	ErrorPolicyReport ErrorPolicy = iota
	// ErrorPolicySwallow drops the failure silently. Only the dispatch error counter moves.
	ErrorPolicySwallow
)

func (p ErrorPolicy) String() string {
	switch p {
	case ErrorPolicyReport:
		return "report"
	case ErrorPolicySwallow:
		return "swallow"
	default:
		return fmt.Sprintf("ErrorPolicy(%d)", int(p))
	}
}

// ParseErrorPolicy parses "report" or "swallow" (case-insensitive).
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "report":
		return ErrorPolicyReport, nil
	case "swallow":
		return ErrorPolicySwallow, nil
	default:
		return ErrorPolicyReport, fmt.Errorf("microbus: unknown error policy %q", s)
	}
}

// UnmarshalText lets env and flag parsers read an ErrorPolicy.
func (p *ErrorPolicy) UnmarshalText(text []byte) error {
	v, err := ParseErrorPolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p ErrorPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Config holds bus-level settings that are usually supplied by the environment.
// Broker connection settings live in each adapter's own Config.
type Config struct {
	Broker           string      `env:"MICROBUS_BROKER" envDefault:"rabbitmq"`
	Codec            string      `env:"MICROBUS_CODEC" envDefault:"json"`
	ErrorPolicy      ErrorPolicy `env:"MICROBUS_ERROR_POLICY" envDefault:"report"`
	ConcurrentFanOut bool        `env:"MICROBUS_CONCURRENT_FANOUT" envDefault:"false"`
	ObserverWorkers  int         `env:"MICROBUS_OBSERVER_WORKERS" envDefault:"0"`
	ObserverBuffer   int         `env:"MICROBUS_OBSERVER_BUFFER" envDefault:"1024"`
}

// LoadConfig reads Config from environment variables.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("microbus: load config: %w", err)
	}
	return cfg, nil
}

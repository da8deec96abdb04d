package microbus

import (
	"context"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.RWMutex
)

// Default returns the process-wide Bus installed with SetDefault or an
// adapter's Use helper. It panics if none was installed: there is no
// broker to fall back to.
func Default() *Bus {
	defaultBusMu.RLock()
	b := defaultBus
	defaultBusMu.RUnlock()
	if b == nil {
		panic(ErrDefaultBusNotInitialized)
	}
	return b
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("microbus: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Publish is the Facade using the default bus.
func Publish(ctx context.Context, evt Event) error {
	return Default().Publish(ctx, evt)
}

// SendCommand is the Facade using the default bus.
func SendCommand(ctx context.Context, cmd Command) (bool, error) {
	return Default().SendCommand(ctx, cmd)
}

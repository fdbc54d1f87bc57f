package transport

import (
	"context"

	"github.com/drblury/flowbind/internal/runtime/config"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
	"github.com/drblury/flowbind/internal/runtime/logging"
	pubtransport "github.com/drblury/flowbind/transport"

	// Register the built-in backends.
	_ "github.com/drblury/flowbind/transport/transports"
)

// Factory abstracts how the broker initialises its transport.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, log logging.ServiceLogger) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, log logging.ServiceLogger) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, log logging.ServiceLogger) (Transport, error) {
	return f(ctx, conf, log)
}

// Static returns a factory that always hands out t.
func Static(t Transport) Factory {
	return FactoryFunc(func(context.Context, *config.Config, logging.ServiceLogger) (Transport, error) {
		return t, nil
	})
}

// DefaultFactory builds the watermill backend named by conf.PubSubSystem from
// the transport registry.
func DefaultFactory() Factory {
	return defaultFactory{registry: pubtransport.DefaultRegistry}
}

type defaultFactory struct {
	registry *pubtransport.Registry
}

func (f defaultFactory) Build(ctx context.Context, conf *config.Config, log logging.ServiceLogger) (Transport, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	log = logging.OrNop(log)

	t, caps, err := f.registry.Open(ctx, conf, logging.NewWatermillAdapter(log))
	if err != nil {
		return nil, err
	}
	log.Info("Transport ready", logging.LogFields{"transport": caps.Name, "at_least_once": caps.SupportsAtLeastOnce()})
	return NewWatermill(t, caps, log), nil
}

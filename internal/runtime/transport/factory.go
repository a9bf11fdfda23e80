// Package transport connects the runtime configuration to the public broker
// registry.
package transport

import (
	"context"
	"errors"

	"github.com/drblury/commandflow/internal/runtime/config"
	"github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/transport"
	"github.com/drblury/commandflow/transport/transports"
)

// Factory abstracts how the runtime initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, log logging.ServiceLogger) (transport.Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, log logging.ServiceLogger) (transport.Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, log logging.ServiceLogger) (transport.Transport, error) {
	return f(ctx, conf, log)
}

// DefaultFactory returns a factory backed by a registry holding every
// built-in broker.
func DefaultFactory() Factory {
	return RegistryFactory(transports.NewRegistry())
}

// RegistryFactory builds transports from reg using the configured PubSubSystem.
func RegistryFactory(reg *transport.Registry) Factory {
	if reg == nil {
		reg = transport.DefaultRegistry
	}
	return registryFactory{reg: reg}
}

// builtins backs BuiltinCapabilities.
var builtins = transports.NewRegistry()

// BuiltinCapabilities returns the capabilities of the built-in broker called
// name. Transports handed over through Static usually carry none, so the
// runtime falls back to the configured PubSubSystem.
func BuiltinCapabilities(name string) transport.Capabilities {
	return builtins.GetCapabilities(name)
}

// Static always returns tr. It lets embedders and tests hand the runtime a
// transport they built themselves.
func Static(tr transport.Transport) Factory {
	return FactoryFunc(func(context.Context, *config.Config, logging.ServiceLogger) (transport.Transport, error) {
		return tr, nil
	})
}

type registryFactory struct {
	reg *transport.Registry
}

func (f registryFactory) Build(ctx context.Context, conf *config.Config, log logging.ServiceLogger) (transport.Transport, error) {
	if conf == nil {
		return transport.Transport{}, errors.New("config is required")
	}
	log = logging.Component(log, "transport").With(logging.LogFields{"pubsub_system": conf.GetPubSubSystem()})
	tr, err := f.reg.Build(ctx, conf, logging.NewWatermillAdapter(log))
	if err != nil {
		return transport.Transport{}, err
	}
	log.Info("Transport ready", logging.LogFields{
		"reliable_delivery": f.reg.GetCapabilities(conf.GetPubSubSystem()).SupportsReliableDelivery(),
		"broadcast":         tr.Broadcast != nil,
	})
	return tr, nil
}

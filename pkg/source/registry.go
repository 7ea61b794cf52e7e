package source

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ConnectorFactory builds a connector for src. raw holds the strict-decodable connector YAML.
type ConnectorFactory func(src *Source, raw []byte, log logrus.FieldLogger) (Connector, error)

// Registry manages connector factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ConnectorFactory
}

// globalRegistry is the default registry instance
var globalRegistry = &Registry{ //nolint:gochecknoglobals // Registry pattern requires global state
	factories: make(map[string]ConnectorFactory),
}

// RegisterConnector registers a factory for a connector type
func RegisterConnector(connectorType string, factory ConnectorFactory) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	globalRegistry.factories[connectorType] = factory
}

// NewConnector creates the connector declared by src
func NewConnector(src *Source, log logrus.FieldLogger) (Connector, error) {
	globalRegistry.mu.RLock()
	factory, ok := globalRegistry.factories[src.Connector.Type]
	globalRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectorNotRegistered, src.Connector.Type)
	}

	conn, err := factory(src, src.Connector.Raw(), log.WithField("source", src.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s connector for %s: %w", src.Connector.Type, src.ID, err)
	}

	if conn.Capability() != src.Capability {
		_ = conn.Close()

		return nil, fmt.Errorf("%w: %s connector serves %s, source %s wants %s",
			ErrCapabilityNotSupported, src.Connector.Type, conn.Capability(), src.ID, src.Capability)
	}

	return conn, nil
}

// RegisteredConnectors returns the registered connector types
func RegisteredConnectors() []string {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	types := make([]string, 0, len(globalRegistry.factories))
	for t := range globalRegistry.factories {
		types = append(types, t)
	}

	return types
}

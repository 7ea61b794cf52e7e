package engine

// Connectors and strategies register themselves with their registries on import.
import (
	_ "github.com/ethpandaops/cdcore/pkg/source/memory"
	_ "github.com/ethpandaops/cdcore/pkg/source/mongo"
	_ "github.com/ethpandaops/cdcore/pkg/source/postgres"
	_ "github.com/ethpandaops/cdcore/pkg/strategy/incremental"
	_ "github.com/ethpandaops/cdcore/pkg/strategy/snapshot"
)

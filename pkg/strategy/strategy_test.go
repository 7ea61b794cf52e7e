package strategy_test

import (
	"context"
	"testing"

	"github.com/creasty/defaults"
	"github.com/ethpandaops/cdcore/pkg/manifest"
	"github.com/ethpandaops/cdcore/pkg/sink/memory"
	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/ethpandaops/cdcore/pkg/strategy"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultNaming(t *testing.T, env string) *strategy.Naming {
	t.Helper()

	cfg := strategy.NamingConfig{Environment: env}
	require.NoError(t, defaults.Set(&cfg))

	naming, err := strategy.NewNaming(cfg)
	require.NoError(t, err)

	return naming
}

func TestNaming(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		staging  string
		entities string
		history  string
	}{
		{
			name:     "no environment",
			staging:  "stg_raw_users",
			entities: "raw_users",
			history:  "raw_users_history",
		},
		{
			name:     "environment prefix",
			env:      "prod",
			staging:  "prod_stg_raw_users",
			entities: "prod_raw_users",
			history:  "prod_raw_users_history",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			naming := defaultNaming(t, tt.env)

			staging, err := naming.Staging("raw_users")
			require.NoError(t, err)
			assert.Equal(t, tt.staging, staging)

			entities, err := naming.Entities("raw_users")
			require.NoError(t, err)
			assert.Equal(t, tt.entities, entities)

			history, err := naming.History("raw_users")
			require.NoError(t, err)
			assert.Equal(t, tt.history, history)
		})
	}
}

func TestNamingSprigFunctions(t *testing.T) {
	cfg := strategy.NamingConfig{Environment: "Staging"}
	require.NoError(t, defaults.Set(&cfg))
	cfg.Entities = `{{ .Environment | lower }}_{{ .Source | snakecase }}`

	naming, err := strategy.NewNaming(cfg)
	require.NoError(t, err)

	name, err := naming.Entities("RawPlans")
	require.NoError(t, err)
	assert.Equal(t, "staging_raw_plans", name)
}

func TestNamingRejectsUnusableNames(t *testing.T) {
	cfg := strategy.NamingConfig{}
	require.NoError(t, defaults.Set(&cfg))
	cfg.History = `{{ .Source }}.history`

	naming, err := strategy.NewNaming(cfg)
	require.NoError(t, err)

	_, err = naming.History("raw_users")
	assert.ErrorIs(t, err, strategy.ErrInvalidCollectionName)
}

func TestNamingRejectsBadTemplate(t *testing.T) {
	cfg := strategy.NamingConfig{}
	require.NoError(t, defaults.Set(&cfg))
	cfg.Staging = `{{ .Source `

	_, err := strategy.NewNaming(cfg)
	assert.Error(t, err)
}

type stubStrategy struct{}

func (stubStrategy) Extract(context.Context, strategy.Run) (manifest.Result, error) {
	return manifest.Result{}, nil
}

func (stubStrategy) Apply(context.Context, strategy.Run) (manifest.Result, error) {
	return manifest.Result{}, nil
}

func TestRegistry(t *testing.T) {
	const capability source.Capability = "TEST_ONLY"

	_, err := strategy.Lookup(capability)
	require.ErrorIs(t, err, strategy.ErrUnknownCapability)

	_, err = strategy.ApplyKind(capability)
	require.ErrorIs(t, err, strategy.ErrUnknownCapability)

	strategy.Register(capability, strategy.KindMerge, func(*source.Source, source.Connector, strategy.Deps) (strategy.Strategy, error) {
		return stubStrategy{}, nil
	})

	assert.Contains(t, strategy.Capabilities(), capability)

	deps := strategy.Deps{
		Log:    logrus.New(),
		Sink:   memory.New(),
		Naming: defaultNaming(t, ""),
	}

	s, err := strategy.New(&source.Source{ID: "x", Capability: capability}, nil, deps)
	require.NoError(t, err)
	assert.IsType(t, stubStrategy{}, s)

	kind, err := strategy.ApplyKind(capability)
	require.NoError(t, err)
	assert.Equal(t, strategy.KindMerge, kind)
}

func TestDepsValidate(t *testing.T) {
	tests := []struct {
		name string
		deps strategy.Deps
	}{
		{name: "no logger", deps: strategy.Deps{Sink: memory.New()}},
		{name: "no sink", deps: strategy.Deps{Log: logrus.New()}},
		{name: "no naming", deps: strategy.Deps{Log: logrus.New(), Sink: memory.New()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.deps.Validate(), strategy.ErrMissingDependency)
		})
	}
}

package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,empty=, broken, =skip,x=1=2")
	require.Equal(t, map[string]string{"api-key": "abc", "empty": "", "x": "1=2"}, headers)
	require.Empty(t, ParseHeaders(""))
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitWithoutExportersInstallsPropagators(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "vaultd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestResourceCarriesVaultIdentity(t *testing.T) {
	res, err := Resource(Config{
		ServiceName:    "vaultd",
		ServiceVersion: "1.2.0",
		Environment:    "test",
		Vault:          Vault{Asset: " usdc ", AssetDecimals: 6, FeeBps: 1_000, Strategies: []string{"lending", "dex"}},
	})
	require.NoError(t, err)

	set := res.Set()
	value, ok := set.Value(VaultAssetKey)
	require.True(t, ok)
	require.Equal(t, "USDC", value.AsString())
	value, ok = set.Value(VaultAssetDecimalsKey)
	require.True(t, ok)
	require.EqualValues(t, 6, value.AsInt64())
	value, ok = set.Value(VaultFeeBpsKey)
	require.True(t, ok)
	require.EqualValues(t, 1_000, value.AsInt64())
	value, ok = set.Value(VaultStrategiesKey)
	require.True(t, ok)
	require.Equal(t, []string{"dex", "lending"}, value.AsStringSlice())
	value, ok = set.Value(semconv.ServiceVersionKey)
	require.True(t, ok)
	require.Equal(t, "1.2.0", value.AsString())
}

func TestResourceWithoutVaultOmitsVaultKeys(t *testing.T) {
	res, err := Resource(Config{ServiceName: "vaultd"})
	require.NoError(t, err)
	_, ok := res.Set().Value(VaultAssetKey)
	require.False(t, ok)
	name, ok := res.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	require.Equal(t, "vaultd", name.AsString())
}

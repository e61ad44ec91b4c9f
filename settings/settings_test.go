package settings

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// check settings object is initialised
func TestInitialiseSettings(t *testing.T) {
	tSettings := NewSettings()

	require.NotEmpty(t, tSettings.ClientName)
	require.Positive(t, tSettings.Sync.MaxHeadersPerRequest)
	require.Positive(t, tSettings.Sync.MaxBodiesPerRequest)
	require.Positive(t, tSettings.Sync.MaxInFlightRanges)
	require.Positive(t, tSettings.Sync.RequestTimeout)
	require.Positive(t, tSettings.Sync.TickInterval)
	require.NotNil(t, tSettings.Ledger.StoreURL)
	require.NotEmpty(t, tSettings.P2P.ProtocolID)
	require.GreaterOrEqual(t, tSettings.Sync.ProtocolVersion, tSettings.Sync.MinProtocolVersion)
}

func TestTestSettings(t *testing.T) {
	tSettings := NewTestSettings()

	t.Run("window_fits_in_flight_ranges", func(t *testing.T) {
		require.LessOrEqual(t,
			tSettings.Sync.HeaderWindowSize,
			tSettings.Sync.MaxHeadersPerRequest*tSettings.Sync.MaxInFlightRanges)
	})

	t.Run("propagation_defaults", func(t *testing.T) {
		require.Equal(t, "sqrt", tSettings.Sync.PropagationPolicy)
		require.Equal(t, 1, tSettings.Sync.PropagationMinFull)
	})
}

func TestHelpersDefaults(t *testing.T) {
	require.Equal(t, "fallback", getString("blocksync_test_missing_key", "fallback"))
	require.Equal(t, 42, getInt("blocksync_test_missing_key", 42))
	require.Equal(t, uint32(63), getUint32("blocksync_test_missing_key", 63))
	require.Equal(t, uint64(7), getUint64("blocksync_test_missing_key", 7))
	require.InEpsilon(t, 1.5, getFloat64("blocksync_test_missing_key", 1.5), 0.0001)
	require.Equal(t, []string{"a"}, getMultiString("blocksync_test_missing_key", "|", []string{"a"}))
	require.True(t, getBool("blocksync_test_missing_key", true))
}

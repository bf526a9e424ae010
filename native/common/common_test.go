package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyUnwrapsChains(t *testing.T) {
	sentinel := NewError(ClassEconomicSafety, "slippage")
	wrapped := fmt.Errorf("rebalance: %w", fmt.Errorf("deploy: %w", sentinel))
	require.Equal(t, ClassEconomicSafety, Classify(wrapped))
	require.Equal(t, "economic_safety", Classify(wrapped).String())

	require.Equal(t, ClassInternal, Classify(errors.New("disk on fire")))
	require.Equal(t, ClassInternal, Classify(nil))
}

func TestClassifyPrefersOutermostClass(t *testing.T) {
	outer := NewError(ClassConfiguration, "value unavailable")
	inner := NewError(ClassMisuse, "bad input")
	err := fmt.Errorf("%w: %w", outer, inner)
	require.Equal(t, ClassConfiguration, Classify(err))
}

func TestReentrancyGuard(t *testing.T) {
	g := NewReentrancyGuard("vault")
	release, err := g.Enter()
	require.NoError(t, err)
	require.True(t, g.Busy())

	_, err = g.Enter()
	require.ErrorIs(t, err, ErrReentrantCall)
	require.Equal(t, ClassMisuse, Classify(err))

	release()
	require.False(t, g.Busy())
	release, err = g.Enter()
	require.NoError(t, err)
	release()
}

func TestReentrancyGuardReleasedAfterPanic(t *testing.T) {
	g := NewReentrancyGuard("vault")
	require.Panics(t, func() {
		release, err := g.Enter()
		require.NoError(t, err)
		defer release()
		panic("boom")
	})
	require.False(t, g.Busy())
}

func TestPauseTable(t *testing.T) {
	table := NewPauseTable()
	require.NoError(t, Guard(table, "vault"))

	require.NoError(t, table.SetPaused("Vault", true))
	require.True(t, table.IsPaused("vault"))
	require.ErrorIs(t, Guard(table, "vault"), ErrModulePaused)
	require.NoError(t, Guard(table, "distribution"))

	require.NoError(t, table.SetPaused("vault", false))
	require.NoError(t, Guard(table, "vault"))

	require.Error(t, table.SetPaused(" ", true))
	require.NoError(t, Guard(nil, "vault"))
}

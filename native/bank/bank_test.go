package bank

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"yieldvault/core/state"
)

var (
	alice = common.HexToAddress("0x0a")
	bob   = common.HexToAddress("0x0b")
)

func TestMintTransferBurn(t *testing.T) {
	ctx := context.Background()
	b := New(state.NewManager(nil))

	require.NoError(t, b.Mint(ctx, "usdc", alice, uint256.NewInt(1_000)))
	require.NoError(t, b.Transfer(ctx, "USDC", alice, bob, uint256.NewInt(400)))

	aliceBal, err := b.BalanceOf(context.Background(), "USDC", alice)
	require.NoError(t, err)
	require.Equal(t, uint64(600), aliceBal.Uint64())
	bobBal, err := b.BalanceOf(context.Background(), " usdc ", bob)
	require.NoError(t, err)
	require.Equal(t, uint64(400), bobBal.Uint64())

	require.NoError(t, b.Burn(ctx, "USDC", bob, uint256.NewInt(100)))
	supply, err := b.Supply(context.Background(), "USDC")
	require.NoError(t, err)
	require.Equal(t, uint64(900), supply.Uint64())
}

func TestTransferInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	b := New(state.NewManager(nil))
	require.NoError(t, b.Mint(ctx, "USDC", alice, uint256.NewInt(10)))

	err := b.Transfer(ctx, "USDC", alice, bob, uint256.NewInt(11))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	bal, err := b.BalanceOf(context.Background(), "USDC", alice)
	require.NoError(t, err)
	require.Equal(t, uint64(10), bal.Uint64())
}

func TestTransferRevertsWithEnclosingExecution(t *testing.T) {
	ctx := context.Background()
	st := state.NewManager(nil)
	b := New(st)
	require.NoError(t, b.Mint(ctx, "USDC", alice, uint256.NewInt(50)))

	abort := errors.New("abort")
	err := st.Execute(ctx, func(ctx context.Context) error {
		if err := b.Transfer(ctx, "USDC", alice, bob, uint256.NewInt(50)); err != nil {
			return err
		}
		return abort
	})
	require.ErrorIs(t, err, abort)

	bal, err := b.BalanceOf(context.Background(), "USDC", bob)
	require.NoError(t, err)
	require.True(t, bal.IsZero())
}

func TestAssetSymbolRequired(t *testing.T) {
	b := New(state.NewManager(nil))
	_, err := b.BalanceOf(context.Background(), "", alice)
	require.ErrorIs(t, err, ErrInvalidAsset)
}

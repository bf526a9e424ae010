package access

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	nativecommon "yieldvault/native/common"
)

var (
	governor = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	guardian = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

func TestAuthorize(t *testing.T) {
	policy, err := NewPolicy(map[Role][]common.Address{
		RoleGovernor: {governor},
		RoleGuardian: {guardian},
	})
	require.NoError(t, err)

	decision := policy.Authorize(guardian, RoleGovernor, RoleGuardian)
	require.True(t, decision.Allowed())
	require.Equal(t, RoleGuardian, decision.Role)
	require.NoError(t, decision.Err())

	denied := policy.Authorize(stranger, RoleGovernor, RoleGuardian)
	require.Equal(t, Denied, denied.Kind)
	require.ErrorIs(t, denied.Err(), ErrUnauthorized)
	require.Equal(t, nativecommon.ClassCapability, nativecommon.Classify(denied.Err()))

	unconfigured := policy.Authorize(governor, RoleKeeper)
	require.Equal(t, Unconfigured, unconfigured.Kind)
	require.ErrorIs(t, unconfigured.Err(), ErrUnauthorized)
}

func TestNewPolicyRejectsZeroAddress(t *testing.T) {
	_, err := NewPolicy(map[Role][]common.Address{RoleKeeper: {{}}})
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestTreasuryPicksLowestMember(t *testing.T) {
	high := common.HexToAddress("0x00000000000000000000000000000000000000f0")
	low := common.HexToAddress("0x0000000000000000000000000000000000000010")
	policy, err := NewPolicy(map[Role][]common.Address{RoleTreasury: {high, low}})
	require.NoError(t, err)

	got, ok := policy.Treasury()
	require.True(t, ok)
	require.Equal(t, low, got)

	empty, err := NewPolicy(nil)
	require.NoError(t, err)
	_, ok = empty.Treasury()
	require.False(t, ok)
}

func TestModuleAddressIsCaseInsensitive(t *testing.T) {
	require.Equal(t, ModuleAddress("vault"), ModuleAddress("Vault"))
	require.NotEqual(t, ModuleAddress("vault"), ModuleAddress("harvest"))
	require.NotEqual(t, common.Address{}, ModuleAddress("vault"))
}

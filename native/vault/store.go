package vault

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	idleKey            = []byte("vault/idle")
	supplyKey          = []byte("vault/supply")
	allocationIndexKey = []byte("vault/allocation/index")
)

func sharesKey(addr common.Address) []byte {
	return []byte("vault/shares/" + strings.ToLower(addr.Hex()))
}

func allocationKey(id string) []byte {
	return []byte("vault/allocation/" + id)
}

func (v *Vault) loadAmount(key []byte) (*uint256.Int, error) {
	out := new(uint256.Int)
	ok, err := v.state.KVGet(key, out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	return out, nil
}

func (v *Vault) storeAmount(key []byte, value *uint256.Int) error {
	if value == nil || value.IsZero() {
		return v.state.KVDelete(key)
	}
	return v.state.KVPut(key, value)
}

func (v *Vault) loadTarget(id string) (uint16, error) {
	var bps uint64
	ok, err := v.state.KVGet(allocationKey(id), &bps)
	if err != nil || !ok {
		return 0, err
	}
	return uint16(bps), nil
}

func (v *Vault) storeTarget(id string, bps uint16) error {
	if bps == 0 {
		return v.state.KVDelete(allocationKey(id))
	}
	if err := v.state.KVPut(allocationKey(id), uint64(bps)); err != nil {
		return err
	}
	return v.state.KVAppend(allocationIndexKey, []byte(id))
}

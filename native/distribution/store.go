package distribution

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldvault/core/fixedpoint"
)

type claimWindow struct {
	end   uint64
	value *uint256.Int
	carry *uint256.Int
}

// window computes the bounded claim for user starting at its cursor.
func (l *Ledger) window(ctx context.Context, user common.Address, acct *Account) (claimWindow, error) {
	count, err := l.epochCount()
	if err != nil {
		return claimWindow{}, err
	}
	start := acct.Cursor
	end := start + l.cfg.MaxEpochsPerClaim
	if end > count || end < start {
		end = count
	}
	w := claimWindow{end: end, value: new(uint256.Int), carry: fixedpoint.Clone(acct.Carry)}
	if end <= start {
		w.end = start
		return w, nil
	}
	shares, err := l.shares.SharesOf(ctx, user)
	if err != nil {
		return claimWindow{}, err
	}
	if shares.IsZero() {
		return w, nil
	}
	startCum, err := l.cumulativeAt(start)
	if err != nil {
		return claimWindow{}, err
	}
	endCum, err := l.cumulativeAt(end)
	if err != nil {
		return claimWindow{}, err
	}
	if endCum.Lt(startCum) {
		return claimWindow{}, fmt.Errorf("distribution: accumulator regressed between epochs %d and %d", start, end)
	}
	delta := new(uint256.Int).Sub(endCum, startCum)
	value, rem, err := fixedpoint.MulDivRem(shares, delta, l.divisor)
	if err != nil {
		return claimWindow{}, err
	}
	rem.Add(rem, w.carry)
	if !rem.Lt(l.divisor) {
		rem.Sub(rem, l.divisor)
		value.AddUint64(value, 1)
	}
	w.value = value
	w.carry = rem
	return w, nil
}

// cumulativeAt returns the accumulator value before epoch index n.
func (l *Ledger) cumulativeAt(n uint64) (*uint256.Int, error) {
	if n == 0 {
		return new(uint256.Int), nil
	}
	record, err := l.epoch(n - 1)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Clone(record.CumulativeRay), nil
}

func (l *Ledger) epoch(index uint64) (*EpochRecord, error) {
	record := new(EpochRecord)
	ok, err := l.state.KVGet(epochKey(index), record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrEpochNotFound, index)
	}
	return record, nil
}

func (l *Ledger) epochCount() (uint64, error) {
	var count uint64
	if _, err := l.state.KVGet(epochCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (l *Ledger) account(user common.Address) (*Account, error) {
	acct := &Account{}
	ok, err := l.state.KVGet(accountKey(user), acct)
	if err != nil {
		return nil, err
	}
	if !ok || acct.Carry == nil {
		acct.Carry = new(uint256.Int)
	}
	return acct, nil
}

func (l *Ledger) storeAccount(user common.Address, acct *Account) error {
	if acct.Carry == nil {
		acct.Carry = new(uint256.Int)
	}
	return l.state.KVPut(accountKey(user), acct)
}

func (l *Ledger) loadAmount(key []byte) (*uint256.Int, error) {
	out := new(uint256.Int)
	ok, err := l.state.KVGet(key, out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	return out, nil
}

func (l *Ledger) storeAmount(key []byte, value *uint256.Int) error {
	if value == nil || value.IsZero() {
		return l.state.KVDelete(key)
	}
	return l.state.KVPut(key, value)
}

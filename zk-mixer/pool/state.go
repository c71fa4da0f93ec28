package pool

import (
	"encoding/binary"
	"fmt"

	"github.com/kysee/velo-zk/zk-mixer/types"
)

const (
	StateSize         = 32 + 8 + 32 + 4 + 8
	DiscriminatorSize = 8
)

// State is the on-ledger pool account.
//
//	authority      [32]byte
//	denomination   u64 LE
//	merkleRoot     [32]byte
//	nextIndex      u32 LE
//	totalDeposits  u64 LE
type State struct {
	Authority     types.PublicKey
	Denomination  uint64
	MerkleRoot    [32]byte
	NextIndex     uint32
	TotalDeposits uint64
}

// DecodeState parses a raw pool account. An 8-byte account discriminator in
// front of the fields is skipped.
func DecodeState(raw []byte) (*State, error) {
	switch len(raw) {
	case StateSize:
	case StateSize + DiscriminatorSize:
		raw = raw[DiscriminatorSize:]
	default:
		return nil, fmt.Errorf("invalid pool account size: expected(%d), got(%d)", StateSize, len(raw))
	}

	st := &State{}
	off := 0
	copy(st.Authority[:], raw[off:off+32])
	off += 32
	st.Denomination = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	copy(st.MerkleRoot[:], raw[off:off+32])
	off += 32
	st.NextIndex = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	st.TotalDeposits = binary.LittleEndian.Uint64(raw[off:])
	return st, nil
}

func (st *State) Encode() []byte {
	raw := make([]byte, StateSize)
	off := 0
	copy(raw[off:], st.Authority[:])
	off += 32
	binary.LittleEndian.PutUint64(raw[off:], st.Denomination)
	off += 8
	copy(raw[off:], st.MerkleRoot[:])
	off += 32
	binary.LittleEndian.PutUint32(raw[off:], st.NextIndex)
	off += 4
	binary.LittleEndian.PutUint64(raw[off:], st.TotalDeposits)
	return raw
}

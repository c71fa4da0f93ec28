package node

import (
	"encoding/binary"
	"encoding/json"

	"github.com/holiman/uint256"
	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	prefixPool     = []byte("pool/")
	prefixLeaf     = []byte("leaf/")
	prefixNullifier = []byte("null/")
	prefixBalance  = []byte("bal/")
	prefixRelayer  = []byte("rlyr/")
	prefixStealth  = []byte("stlh/")
	prefixDecoy    = []byte("decoy/")
)

func key(prefix []byte, parts ...[]byte) []byte {
	k := append([]byte{}, prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func u64Key(v uint64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, v)
	return bz
}

func u32Key(v uint32) []byte {
	bz := make([]byte, 4)
	binary.BigEndian.PutUint32(bz, v)
	return bz
}

// RelayerState is the registration record of a relayer.
type RelayerState struct {
	Relayer      types.PublicKey `json:"relayer"`
	TotalRelayed uint64          `json:"totalRelayed"`
	TotalFees    uint64          `json:"totalFees"`
	Active       bool            `json:"active"`
	RegisteredAt int64           `json:"registeredAt"`
}

type store struct {
	db *leveldb.DB
}

// openStore opens a leveldb store in dir, or an in-memory one if dir is empty.
func openStore(dir string) (*store, error) {
	if dir == "" {
		db, err := leveldb.Open(storage.NewMemStorage(), nil)
		if err != nil {
			return nil, errors.Wrap(err, "open memory store")
		}
		return &store{db: db}, nil
	}

	db, err := leveldb.OpenFile(dir, &opt.Options{
		OpenFilesCacheCapacity: 64,
		BlockCacheCapacity:     16 * opt.MiB,
		WriteBuffer:            8 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	})
	if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open ledger store %s", dir)
	}
	return &store{db: db}, nil
}

func (s *store) close() error {
	return s.db.Close()
}

func (s *store) get(k []byte) ([]byte, bool, error) {
	v, err := s.db.Get(k, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "get %q", k)
	}
	return v, true, nil
}

func (s *store) has(k []byte) (bool, error) {
	ok, err := s.db.Has(k, nil)
	return ok, errors.Wrapf(err, "has %q", k)
}

func (s *store) write(b *leveldb.Batch) error {
	return errors.Wrap(s.db.Write(b, &opt.WriteOptions{Sync: true}), "write batch")
}

func poolKey(denomination uint64) []byte { return key(prefixPool, u64Key(denomination)) }

func leafKey(denomination uint64, idx uint32) []byte {
	return key(prefixLeaf, u64Key(denomination), u32Key(idx))
}

func nullifierKey(denomination uint64, nh types.NullifierHash) []byte {
	return key(prefixNullifier, u64Key(denomination), nh[:])
}

func balanceKey(account types.PublicKey) []byte { return key(prefixBalance, account[:]) }
func relayerKey(relayer types.PublicKey) []byte { return key(prefixRelayer, relayer[:]) }
func stealthKey(hash [32]byte) []byte           { return key(prefixStealth, hash[:]) }
func decoyKey(denomination uint64) []byte       { return key(prefixDecoy, u64Key(denomination)) }

func (s *store) pool(denomination uint64) (*pool.State, error) {
	raw, ok, err := s.get(poolKey(denomination))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.ErrUnknownPool
	}
	return pool.DecodeState(raw)
}

// leaves returns every commitment of a pool in insertion order.
func (s *store) leaves(denomination uint64) ([][32]byte, error) {
	it := s.db.NewIterator(util.BytesPrefix(key(prefixLeaf, u64Key(denomination))), nil)
	defer it.Release()

	var out [][32]byte
	for it.Next() {
		var c [32]byte
		copy(c[:], it.Value())
		out = append(out, c)
	}
	return out, errors.Wrap(it.Error(), "iterate leaves")
}

func (s *store) pools() ([]uint64, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefixPool), nil)
	defer it.Release()

	var out []uint64
	for it.Next() {
		out = append(out, binary.BigEndian.Uint64(it.Key()[len(prefixPool):]))
	}
	return out, errors.Wrap(it.Error(), "iterate pools")
}

func (s *store) balance(account types.PublicKey) (*uint256.Int, error) {
	raw, ok, err := s.get(balanceKey(account))
	if err != nil || !ok {
		return uint256.NewInt(0), err
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func (s *store) relayer(relayer types.PublicKey) (*RelayerState, error) {
	raw, ok, err := s.get(relayerKey(relayer))
	if err != nil || !ok {
		return nil, err
	}
	st := &RelayerState{}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, errors.Wrap(err, "decode relayer state")
	}
	return st, nil
}

func (s *store) decoy(denomination uint64) (*DecoyConfig, error) {
	raw, ok, err := s.get(decoyKey(denomination))
	if err != nil || !ok {
		return nil, err
	}
	dc := &DecoyConfig{}
	if err := json.Unmarshal(raw, dc); err != nil {
		return nil, errors.Wrap(err, "decode decoy config")
	}
	return dc, nil
}

func (s *store) announcement(hash [32]byte) (*types.StealthAnnouncement, error) {
	raw, ok, err := s.get(stealthKey(hash))
	if err != nil || !ok {
		return nil, err
	}
	ann := &types.StealthAnnouncement{}
	if err := json.Unmarshal(raw, ann); err != nil {
		return nil, errors.Wrap(err, "decode stealth announcement")
	}
	return ann, nil
}

func (s *store) announcements() ([]*types.StealthAnnouncement, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefixStealth), nil)
	defer it.Release()

	var out []*types.StealthAnnouncement
	for it.Next() {
		ann := &types.StealthAnnouncement{}
		if err := json.Unmarshal(it.Value(), ann); err != nil {
			return nil, errors.Wrap(err, "decode stealth announcement")
		}
		out = append(out, ann)
	}
	return out, errors.Wrap(it.Error(), "iterate announcements")
}

// batch stages the writes of one ledger transaction.
type batch struct {
	s        *store
	b        *leveldb.Batch
	balances map[types.PublicKey]*uint256.Int
}

func (s *store) newBatch() *batch {
	return &batch{s: s, b: new(leveldb.Batch), balances: make(map[types.PublicKey]*uint256.Int)}
}

func (bt *batch) balance(account types.PublicKey) (*uint256.Int, error) {
	if v, ok := bt.balances[account]; ok {
		return v, nil
	}
	v, err := bt.s.balance(account)
	if err != nil {
		return nil, err
	}
	bt.balances[account] = v
	return v, nil
}

func (bt *batch) credit(account types.PublicKey, amount uint64) error {
	v, err := bt.balance(account)
	if err != nil {
		return err
	}
	v.Add(v, uint256.NewInt(amount))
	return nil
}

// debit fails with ok=false if account cannot cover amount.
func (bt *batch) debit(account types.PublicKey, amount uint64) (bool, error) {
	v, err := bt.balance(account)
	if err != nil {
		return false, err
	}
	a := uint256.NewInt(amount)
	if v.Lt(a) {
		return false, nil
	}
	v.Sub(v, a)
	return true, nil
}

func (bt *batch) transfer(from, to types.PublicKey, amount uint64) (bool, error) {
	ok, err := bt.debit(from, amount)
	if err != nil || !ok {
		return ok, err
	}
	return true, bt.credit(to, amount)
}

func (bt *batch) put(k, v []byte) { bt.b.Put(k, v) }

func (bt *batch) putJSON(k []byte, v interface{}) error {
	bz, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	bt.b.Put(k, bz)
	return nil
}

func (bt *batch) commit() error {
	for account, v := range bt.balances {
		bz := v.Bytes32()
		bt.b.Put(balanceKey(account), bz[:])
	}
	return bt.s.write(bt.b)
}

package pool

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/shopspring/decimal"
)

const (
	LamportsPerSol = 1_000_000_000
	SolDecimals    = 9

	Tier0_1 uint64 = LamportsPerSol / 10
	Tier1   uint64 = LamportsPerSol
	Tier10  uint64 = 10 * LamportsPerSol
)

var (
	DefaultTiers = []uint64{Tier0_1, Tier1, Tier10}

	DefaultPoolSeed    = []byte("pool")
	DefaultVaultSeed   = []byte("vault")
	DefaultStealthSeed = []byte("stealth")

	DefaultDecoyConfigSeed = []byte("decoy_config")
	DefaultDecoyVaultSeed  = []byte("decoy_vault")
)

// MaxDecoyVaults bounds the decoy vaults of one pool.
const MaxDecoyVaults = 8

// Set is a list of supported denominations ordered largest first.
type Set []uint64

func NewSet(denominations ...uint64) (Set, error) {
	if len(denominations) == 0 {
		return nil, fmt.Errorf("%w: empty denomination set", types.ErrUnknownPool)
	}
	s := make(Set, 0, len(denominations))
	seen := make(map[uint64]bool)
	for _, d := range denominations {
		if d == 0 {
			return nil, fmt.Errorf("%w: zero denomination", types.ErrUnknownPool)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		s = append(s, d)
	}
	sort.Slice(s, func(i, j int) bool { return s[i] > s[j] })
	return s, nil
}

func DefaultSet() Set {
	s, _ := NewSet(DefaultTiers...)
	return s
}

func (s Set) Contains(denomination uint64) bool {
	for _, d := range s {
		if d == denomination {
			return true
		}
	}
	return false
}

func (s Set) Smallest() uint64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// Check returns ErrUnknownPool if denomination is not supported.
func (s Set) Check(denomination uint64) error {
	if !s.Contains(denomination) {
		return fmt.Errorf("%w: %s SOL", types.ErrUnknownPool, FormatSol(denomination))
	}
	return nil
}

func (s Set) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = FormatSol(d)
	}
	return strings.Join(parts, ",")
}

// Parse reads a comma separated list of SOL amounts, e.g. "0.1,1,10".
func Parse(list string) (Set, error) {
	var denoms []uint64
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		l, err := ParseSol(p)
		if err != nil {
			return nil, err
		}
		denoms = append(denoms, l)
	}
	return NewSet(denoms...)
}

// Seeds configures how pool account addresses are derived.
type Seeds struct {
	Pool        []byte
	Vault       []byte
	Stealth     []byte
	DecoyConfig []byte
	DecoyVault  []byte
}

func DefaultSeeds() Seeds {
	return Seeds{
		Pool:        DefaultPoolSeed,
		Vault:       DefaultVaultSeed,
		Stealth:     DefaultStealthSeed,
		DecoyConfig: DefaultDecoyConfigSeed,
		DecoyVault:  DefaultDecoyVaultSeed,
	}
}

// Addresses are the program-derived accounts of one denomination pool.
type Addresses struct {
	Denomination uint64
	Pool         types.PublicKey
	PoolBump     uint8
	Vault        types.PublicKey
	VaultBump    uint8
}

func denominationSeed(denomination uint64) []byte {
	bz := make([]byte, 8)
	binary.LittleEndian.PutUint64(bz, denomination)
	return bz
}

// DeriveAddresses finds the pool and vault accounts for denomination under programID.
func DeriveAddresses(programID types.PublicKey, seeds Seeds, denomination uint64) (*Addresses, error) {
	ds := denominationSeed(denomination)
	poolAddr, poolBump, err := types.FindProgramAddress([][]byte{seeds.Pool, ds}, programID)
	if err != nil {
		return nil, err
	}
	vaultAddr, vaultBump, err := types.FindProgramAddress([][]byte{seeds.Vault, ds}, programID)
	if err != nil {
		return nil, err
	}
	return &Addresses{
		Denomination: denomination,
		Pool:         poolAddr,
		PoolBump:     poolBump,
		Vault:        vaultAddr,
		VaultBump:    vaultBump,
	}, nil
}

// StealthAddress derives the one-time account a stealth payment is sent to.
func StealthAddress(programID types.PublicKey, seeds Seeds, stealthHash [32]byte) (types.PublicKey, error) {
	addr, _, err := types.FindProgramAddress([][]byte{seeds.Stealth, stealthHash[:]}, programID)
	return addr, err
}

// DecoyConfigAddress derives the decoy configuration account of a pool account.
func DecoyConfigAddress(programID types.PublicKey, seeds Seeds, poolAddr types.PublicKey) (types.PublicKey, error) {
	addr, _, err := types.FindProgramAddress([][]byte{seeds.DecoyConfig, poolAddr[:]}, programID)
	return addr, err
}

// DecoyVault derives decoy vault index of a denomination.
func DecoyVault(programID types.PublicKey, seeds Seeds, denomination uint64, index uint8) (types.PublicKey, error) {
	addr, _, err := types.FindProgramAddress([][]byte{seeds.DecoyVault, denominationSeed(denomination), {index}}, programID)
	return addr, err
}

// ToSol converts lamports into SOL.
func ToSol(lamports uint64) decimal.Decimal {
	return decimal.New(int64(lamports), -SolDecimals)
}

func FormatSol(lamports uint64) string {
	return ToSol(lamports).String()
}

// FromSol converts a SOL amount into lamports. Amounts with more than nine
// decimals or negative amounts are rejected.
func FromSol(sol decimal.Decimal) (uint64, error) {
	if sol.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", sol)
	}
	l := sol.Mul(decimal.New(1, SolDecimals))
	if !l.Equal(l.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimals", sol, SolDecimals)
	}
	if l.GreaterThan(decimal.New(1<<62, 0)) {
		return 0, fmt.Errorf("amount %s is too large", sol)
	}
	return uint64(l.IntPart()), nil
}

func ParseSol(s string) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid SOL amount %q: %w", s, err)
	}
	return FromSol(d)
}

package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"github.com/kysee/velo-zk/utils"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	metaAddressPrefix = "velo-st-"
	stealthSecretSize = 32
	memoSize          = 8
	publicKeySize     = 32

	derivedSize = chacha20poly1305.KeySize + chacha20poly1305.NonceSize + stealthSecretSize
)

var ErrInvalidClaim = errors.New("invalid stealth claim")

// MetaAddress is what a recipient publishes to receive stealth payments.
type MetaAddress struct {
	Spend *eddsa.PublicKey
	View  *eddsa.PublicKey
}

func (m *MetaAddress) Bytes() []byte {
	return append(m.Spend.Bytes(), m.View.Bytes()...)
}

func (m *MetaAddress) String() string {
	return metaAddressPrefix + base58.Encode(m.Bytes())
}

func ParseMetaAddress(s string) (*MetaAddress, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, metaAddressPrefix) {
		return nil, errors.New("invalid stealth meta-address prefix")
	}
	bz, err := base58.Decode(s[len(metaAddressPrefix):])
	if err != nil {
		return nil, fmt.Errorf("invalid stealth meta-address: %w", err)
	}
	if len(bz) != 2*publicKeySize {
		return nil, fmt.Errorf("invalid stealth meta-address length %d", len(bz))
	}
	spend, err := ParsePublicKey(bz[:publicKeySize])
	if err != nil {
		return nil, err
	}
	view, err := ParsePublicKey(bz[publicKeySize:])
	if err != nil {
		return nil, err
	}
	return &MetaAddress{Spend: spend, View: view}, nil
}

// Keys are a stealth recipient's secrets. The view key finds payments,
// the spend key claims them.
type Keys struct {
	Spend *eddsa.PrivateKey
	View  *eddsa.PrivateKey
}

func GenerateKeys() (*Keys, error) {
	spend, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	view, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Keys{Spend: spend, View: view}, nil
}

func (k *Keys) MetaAddress() *MetaAddress {
	return &MetaAddress{Spend: &k.Spend.PublicKey, View: &k.View.PublicKey}
}

type derived struct {
	memoKey []byte
	nonce   []byte
	secret  [stealthSecretSize]byte
}

func derive(shared []byte) (*derived, error) {
	stream, err := KDF(shared, derivedSize)
	if err != nil {
		return nil, err
	}
	d := &derived{
		memoKey: stream[:chacha20poly1305.KeySize],
		nonce:   stream[chacha20poly1305.KeySize : chacha20poly1305.KeySize+chacha20poly1305.NonceSize],
	}
	copy(d.secret[:], stream[chacha20poly1305.KeySize+chacha20poly1305.NonceSize:])
	return d, nil
}

// StealthHash is H(stealthSecret, spend.X, spend.Y). The stealth account is
// the program address derived from it.
func StealthHash(secret [32]byte, spend *eddsa.PublicKey) [32]byte {
	h := utils.HashElements(utils.ToElement(secret[:]), spend.A.X, spend.A.Y)
	return h.Bytes()
}

// NewPayment derives a one-time destination for meta and the announcement the
// recipient scans for.
func NewPayment(meta *MetaAddress, amount uint64) (*types.StealthAnnouncement, error) {
	eph, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	shared, err := ECDH(eph, meta.View)
	if err != nil {
		return nil, err
	}
	d, err := derive(shared)
	if err != nil {
		return nil, err
	}

	ephPub := eph.PublicKey.Bytes()
	memo := make([]byte, memoSize)
	binary.BigEndian.PutUint64(memo, amount)
	encMemo, err := SealMemo(d.memoKey, d.nonce, memo, ephPub)
	if err != nil {
		return nil, err
	}

	return &types.StealthAnnouncement{
		StealthHash:     StealthHash(d.secret, meta.Spend),
		EphemeralPubKey: ephPub,
		EncryptedMemo:   encMemo,
		Amount:          amount,
	}, nil
}

// Received is a payment recognised by Scan.
type Received struct {
	StealthHash   [32]byte
	StealthSecret [32]byte
	Amount        uint64
}

// Scan reports whether ann was addressed to k.
func (k *Keys) Scan(ann *types.StealthAnnouncement) (*Received, bool) {
	eph, err := ParsePublicKey(ann.EphemeralPubKey)
	if err != nil {
		return nil, false
	}
	shared, err := ECDH(k.View, eph)
	if err != nil {
		return nil, false
	}
	d, err := derive(shared)
	if err != nil {
		return nil, false
	}
	if StealthHash(d.secret, &k.Spend.PublicKey) != ann.StealthHash {
		return nil, false
	}
	memo, err := OpenMemo(d.memoKey, d.nonce, ann.EncryptedMemo, ann.EphemeralPubKey)
	if err != nil || len(memo) != memoSize {
		return nil, false
	}
	return &Received{
		StealthHash:   ann.StealthHash,
		StealthSecret: d.secret,
		Amount:        binary.BigEndian.Uint64(memo),
	}, true
}

// Claim moves a stealth payment to Destination. Only the spend key holder can sign it.
type Claim struct {
	StealthHash   [32]byte        `json:"stealthHash"`
	StealthSecret [32]byte        `json:"stealthSecret"`
	SpendPubKey   []byte          `json:"spendPublicKey"`
	Destination   types.PublicKey `json:"destination"`
	Signature     []byte          `json:"signature"`
}

func claimMessage(stealthHash [32]byte, dest types.PublicKey) []byte {
	he := utils.ToElement(stealthHash[:])
	dhi, dlo := dest.Limbs()
	h, hi, lo := he.Bytes(), dhi.Bytes(), dlo.Bytes()
	msg := append(h[:], hi[:]...)
	return append(msg, lo[:]...)
}

func (k *Keys) Claim(r *Received, dest types.PublicKey) (*Claim, error) {
	sig, err := k.Spend.Sign(claimMessage(r.StealthHash, dest), utils.MiMCHasher())
	if err != nil {
		return nil, err
	}
	return &Claim{
		StealthHash:   r.StealthHash,
		StealthSecret: r.StealthSecret,
		SpendPubKey:   k.Spend.PublicKey.Bytes(),
		Destination:   dest,
		Signature:     sig,
	}, nil
}

// VerifyClaim checks that the claimer knows the stealth secret and holds the spend key.
func VerifyClaim(c *Claim) error {
	spend, err := ParsePublicKey(c.SpendPubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidClaim, err)
	}
	if StealthHash(c.StealthSecret, spend) != c.StealthHash {
		return fmt.Errorf("%w: stealth hash does not match", ErrInvalidClaim)
	}
	ok, err := spend.Verify(c.Signature, claimMessage(c.StealthHash, c.Destination), utils.MiMCHasher())
	if err != nil || !ok {
		return fmt.Errorf("%w: bad signature", ErrInvalidClaim)
	}
	return nil
}

package types

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/rlp"
)

const (
	backupPrefix  = "velo-"
	backupVersion = 0x01
)

// noteBackup is the RLP layout of an exported note.
type noteBackup struct {
	Version      byte
	Denomination uint64
	Nullifier    []byte
	Secret       []byte
	Deposited    bool
	LeafIndex    uint32
}

// Bytes returns the RLP-encoded representation of the note.
// It panics if the encoding fails.
func (n *Note) Bytes() []byte {
	b, err := rlp.EncodeToBytes(&noteBackup{
		Version:      n.Version,
		Denomination: n.Denomination,
		Nullifier:    n.Nullifier[:],
		Secret:       n.Secret[:],
		Deposited:    n.Deposited,
		LeafIndex:    n.LeafIndex,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to RLP encode note: %v", err))
	}
	return b
}

func NoteFromBytes(bz []byte) (*Note, error) {
	var nb noteBackup
	if err := rlp.DecodeBytes(bz, &nb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNote, err)
	}
	n, err := NewNote(nb.Nullifier, nb.Secret, nb.Denomination)
	if err != nil {
		return nil, err
	}
	n.Version = nb.Version
	n.Deposited = nb.Deposited
	n.LeafIndex = nb.LeafIndex
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// Backup encodes the note as a printable string the depositor can keep offline.
// The used flag is local state and is not exported.
func (n *Note) Backup() string {
	return backupPrefix + base58.CheckEncode(n.Bytes(), backupVersion)
}

func ParseNoteBackup(s string) (*Note, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, backupPrefix) {
		return nil, fmt.Errorf("%w: wrong prefix", ErrMalformedNote)
	}
	bz, ver, err := base58.CheckDecode(s[len(backupPrefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNote, err)
	}
	if ver != backupVersion {
		return nil, fmt.Errorf("%w: wrong version: expected(%d), got(%d)", ErrMalformedNote, backupVersion, ver)
	}
	return NoteFromBytes(bz)
}

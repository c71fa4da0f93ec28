package relayer

import (
	"encoding/json"
	"fmt"

	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/shopspring/decimal"
)

// Mode selects how a note spend reaches the ledger.
type Mode string

const (
	// ModeProve proves the withdrawal and submits it with the proof.
	ModeProve Mode = "prove"
	// ModeTest submits a proofless test withdrawal. Devnet only.
	ModeTest Mode = "test"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeProve, ModeTest:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown relay mode %q", s)
}

const (
	SpendNote  = "note"
	SpendProof = "proof"
)

// NoteSpend hands the relayer the note secrets; the relayer proves.
type NoteSpend struct {
	NoteCommitment types.NoteCommitment `json:"noteCommitment"`
	Nullifier      string               `json:"nullifier"`
	Secret         string               `json:"secret"`
	Recipient      types.PublicKey      `json:"recipient"`
	PoolSize       decimal.Decimal      `json:"poolSize"`
}

// note rebuilds the note and checks it against the claimed commitment.
func (ns *NoteSpend) note(denomination uint64) (*types.Note, error) {
	nullifier, err := types.DecodeHex32(ns.Nullifier)
	if err != nil {
		return nil, fmt.Errorf("nullifier: %w", err)
	}
	secret, err := types.DecodeHex32(ns.Secret)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	if err := types.CheckCommitment(ns.NoteCommitment, nullifier[:], secret[:]); err != nil {
		return nil, err
	}
	return types.NewNote(nullifier[:], secret[:], denomination)
}

// NewNoteSpend fills a note spend from a local note.
func NewNoteSpend(note *types.Note, recipient types.PublicKey) *NoteSpend {
	return &NoteSpend{
		NoteCommitment: note.Commitment(),
		Nullifier:      fmt.Sprintf("0x%x", note.Nullifier[:]),
		Secret:         fmt.Sprintf("0x%x", note.Secret[:]),
		Recipient:      recipient,
		PoolSize:       pool.ToSol(note.Denomination),
	}
}

// ProofSpend carries a proof the depositor generated; the secrets never leave
// the client.
type ProofSpend struct {
	Proof    *types.WithdrawProof `json:"proof"`
	PoolSize decimal.Decimal      `json:"poolSize"`
}

// WithdrawRequest is the body of /relay/withdraw. Exactly one variant is set.
// On the wire the variant is selected by "type"; a body without one is a note spend.
type WithdrawRequest struct {
	Note  *NoteSpend
	Proof *ProofSpend
}

func (r *WithdrawRequest) Validate() error {
	switch {
	case r.Note != nil && r.Proof != nil:
		return fmt.Errorf("%w: both note and proof spend set", types.ErrMalformedNote)
	case r.Note != nil:
		if r.Note.Recipient.IsZero() {
			return fmt.Errorf("%w: missing recipient", types.ErrMalformedNote)
		}
	case r.Proof != nil:
		if r.Proof.Proof == nil {
			return fmt.Errorf("%w: missing proof", types.ErrInvalidProof)
		}
		return r.Proof.Proof.Signals.Validate()
	default:
		return fmt.Errorf("%w: empty request", types.ErrMalformedNote)
	}
	return nil
}

func (r WithdrawRequest) MarshalJSON() ([]byte, error) {
	switch {
	case r.Proof != nil:
		return json.Marshal(&struct {
			Type string `json:"type"`
			*ProofSpend
		}{SpendProof, r.Proof})
	case r.Note != nil:
		return json.Marshal(&struct {
			Type string `json:"type"`
			*NoteSpend
		}{SpendNote, r.Note})
	}
	return []byte("{}"), nil
}

func (r *WithdrawRequest) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case "", SpendNote:
		r.Note = &NoteSpend{}
		return json.Unmarshal(data, r.Note)
	case SpendProof:
		r.Proof = &ProofSpend{}
		return json.Unmarshal(data, r.Proof)
	}
	return fmt.Errorf("unknown spend type %q", head.Type)
}

// StealthRequest is the body of /relay/stealth. The recipient field of the
// note spend is ignored; funds go to a fresh stealth address of the meta-address.
type StealthRequest struct {
	NoteSpend
	RecipientStealthMeta string `json:"recipientStealthMeta"`
}

type FeeRequest struct {
	PoolSize decimal.Decimal `json:"poolSize"`
}

type FeeResponse struct {
	Success         bool            `json:"success"`
	PoolSize        decimal.Decimal `json:"poolSize"`
	Fee             decimal.Decimal `json:"fee"`
	RecipientAmount decimal.Decimal `json:"recipientAmount"`
}

func newFeeResponse(est FeeEstimate) *FeeResponse {
	return &FeeResponse{
		Success:         true,
		PoolSize:        pool.ToSol(est.Denomination),
		Fee:             pool.ToSol(est.Fee),
		RecipientAmount: pool.ToSol(est.RecipientAmount),
	}
}

// RelayResponse answers both relay endpoints.
type RelayResponse struct {
	Success         bool                       `json:"success"`
	RequestID       string                     `json:"requestId,omitempty"`
	Signature       types.Signature            `json:"signature"`
	NullifierHash   types.NullifierHash        `json:"nullifierHash"`
	PoolSize        decimal.Decimal            `json:"poolSize"`
	Fee             decimal.Decimal            `json:"fee"`
	RecipientAmount decimal.Decimal            `json:"recipientAmount"`
	StealthAddress  *types.PublicKey           `json:"stealthAddress,omitempty"`
	Announcement    *types.StealthAnnouncement `json:"announcement,omitempty"`
}

type InfoResponse struct {
	Success bool            `json:"success"`
	Relayer types.PublicKey `json:"relayer"`
	Mode    Mode            `json:"mode"`
	Fees    struct {
		MinFee  decimal.Decimal `json:"minFee"`
		RateBps uint64          `json:"rateBps"`
		MaxFee  decimal.Decimal `json:"maxFee"`
	} `json:"fees"`
	Pools   []decimal.Decimal `json:"pools"`
	Version string            `json:"version"`
}

// PoolInfo is the ledger view of one pool.
type PoolInfo struct {
	PoolSize      decimal.Decimal `json:"poolSize"`
	Root          string          `json:"root"`
	NextIndex     uint32          `json:"nextIndex"`
	TotalDeposits uint64          `json:"totalDeposits"`
	Vault         decimal.Decimal `json:"vault"`
}

type PoolsResponse struct {
	Success bool        `json:"success"`
	Pools   []*PoolInfo `json:"pools"`
}

type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"requestId,omitempty"`
}

package setup

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/kzg"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/constraint"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"golang.org/x/crypto/blake2s"
)

const (
	CCSFile          = "withdraw.ccs"
	ProvingKeyFile   = "withdraw.pk"
	VerifyingKeyFile = "withdraw.vk.json"
	SRSFile          = "srs.canonical"
	SRSLagrangeFile  = "srs.lagrange"
)

// ErrArtifactMismatch is returned when artifacts on disk were built for a
// different backend, depth or circuit.
var ErrArtifactMismatch = errors.New("proof artifacts do not match the configured circuit")

// VerifyingKey is everything a verifier needs. Exactly one of Plonk and Groth16 is set.
type VerifyingKey struct {
	Backend  types.Backend
	Depth    int
	NbPublic int
	Digest   string

	Plonk   plonk.VerifyingKey
	Groth16 groth16.VerifyingKey
}

// Artifacts are the outputs of the circuit-specific setup.
type Artifacts struct {
	Backend types.Backend
	Depth   int
	CCS     constraint.ConstraintSystem

	PlonkPK   plonk.ProvingKey
	Groth16PK groth16.ProvingKey

	VerifyingKey *VerifyingKey
}

// vkEnvelope is the JSON form of the verification key.
type vkEnvelope struct {
	Backend  types.Backend `json:"backend"`
	Curve    string        `json:"curve"`
	Depth    int           `json:"depth"`
	NbPublic int           `json:"nbPublic"`
	Digest   string        `json:"circuitDigest"`
	Key      string        `json:"key"`
}

// CircuitDigest identifies a compiled withdraw circuit by its shape.
func CircuitDigest(backend types.Backend, depth int, ccs constraint.ConstraintSystem) string {
	desc := fmt.Sprintf("%s|%d|%d|%d|%d|%d",
		backend, depth,
		ccs.GetNbConstraints(),
		ccs.GetNbPublicVariables(),
		ccs.GetNbSecretVariables(),
		ccs.GetNbInternalVariables())
	h := blake2s.Sum256([]byte(desc))
	return fmt.Sprintf("%x", h[:])
}

func (vk *VerifyingKey) key() io.WriterTo {
	if vk.Backend == types.GROTH16 {
		return vk.Groth16
	}
	return vk.Plonk
}

func (vk *VerifyingKey) MarshalJSON() ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := vk.key().WriteTo(buf); err != nil {
		return nil, err
	}
	return json.Marshal(&vkEnvelope{
		Backend:  vk.Backend,
		Curve:    ecc.BN254.String(),
		Depth:    vk.Depth,
		NbPublic: vk.NbPublic,
		Digest:   vk.Digest,
		Key:      base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

func (vk *VerifyingKey) UnmarshalJSON(data []byte) error {
	env := &vkEnvelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return err
	}
	if env.Curve != ecc.BN254.String() {
		return fmt.Errorf("unsupported curve %q", env.Curve)
	}
	raw, err := base64.StdEncoding.DecodeString(env.Key)
	if err != nil {
		return fmt.Errorf("verifying key: %w", err)
	}

	vk.Backend = env.Backend
	vk.Depth = env.Depth
	vk.NbPublic = env.NbPublic
	vk.Digest = env.Digest
	vk.Plonk, vk.Groth16 = nil, nil

	var r io.ReaderFrom
	switch env.Backend {
	case types.PLONK:
		vk.Plonk = plonk.NewVerifyingKey(ecc.BN254)
		r = vk.Plonk
	case types.GROTH16:
		vk.Groth16 = groth16.NewVerifyingKey(ecc.BN254)
		r = vk.Groth16
	default:
		return fmt.Errorf("unknown proof backend %q", env.Backend)
	}
	if _, err := r.ReadFrom(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("verifying key: %w", err)
	}
	return nil
}

func (a *Artifacts) provingKey() io.WriterTo {
	if a.Backend == types.GROTH16 {
		return a.Groth16PK
	}
	return a.PlonkPK
}

// Save writes the constraint system, proving key and verification key into dir.
func (a *Artifacts) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, CCSFile), a.CCS); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, ProvingKeyFile), a.provingKey()); err != nil {
		return err
	}
	return SaveVerifyingKey(filepath.Join(dir, VerifyingKeyFile), a.VerifyingKey)
}

func SaveVerifyingKey(path string, vk *VerifyingKey) error {
	bz, err := json.MarshalIndent(vk, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, bz, 0o644)
}

// LoadVerifyingKey reads the verification key JSON. A missing file is ErrArtifactMissing.
func LoadVerifyingKey(path string) (*VerifyingKey, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, missing(path, err)
	}
	vk := &VerifyingKey{}
	if err := json.Unmarshal(bz, vk); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return vk, nil
}

// LoadArtifacts reads the artifacts for backend and depth from dir.
func LoadArtifacts(dir string, backend types.Backend, depth int) (*Artifacts, error) {
	vk, err := LoadVerifyingKey(filepath.Join(dir, VerifyingKeyFile))
	if err != nil {
		return nil, err
	}
	if vk.Backend != backend || vk.Depth != depth {
		return nil, fmt.Errorf("%w: found %s depth %d, want %s depth %d",
			ErrArtifactMismatch, vk.Backend, vk.Depth, backend, depth)
	}

	a := &Artifacts{Backend: backend, Depth: depth, VerifyingKey: vk}
	var pk io.ReaderFrom
	switch backend {
	case types.PLONK:
		a.CCS = plonk.NewCS(ecc.BN254)
		a.PlonkPK = plonk.NewProvingKey(ecc.BN254)
		pk = a.PlonkPK
	case types.GROTH16:
		a.CCS = groth16.NewCS(ecc.BN254)
		a.Groth16PK = groth16.NewProvingKey(ecc.BN254)
		pk = a.Groth16PK
	default:
		return nil, fmt.Errorf("unknown proof backend %q", backend)
	}

	if err := readFile(filepath.Join(dir, CCSFile), a.CCS); err != nil {
		return nil, err
	}
	if err := readFile(filepath.Join(dir, ProvingKeyFile), pk); err != nil {
		return nil, err
	}
	if d := CircuitDigest(backend, depth, a.CCS); d != vk.Digest {
		return nil, fmt.Errorf("%w: circuit digest %s, verifying key records %s", ErrArtifactMismatch, d, vk.Digest)
	}
	return a, nil
}

// LoadSRS reads a KZG reference string pair.
func LoadSRS(canonicalPath, lagrangePath string) (kzg.SRS, kzg.SRS, error) {
	srs := kzg.NewSRS(ecc.BN254)
	if err := readFile(canonicalPath, srs); err != nil {
		return nil, nil, err
	}
	srsLagrange := kzg.NewSRS(ecc.BN254)
	if err := readFile(lagrangePath, srsLagrange); err != nil {
		return nil, nil, err
	}
	return srs, srsLagrange, nil
}

func SaveSRS(canonicalPath, lagrangePath string, srs, srsLagrange kzg.SRS) error {
	if err := writeFile(canonicalPath, srs); err != nil {
		return err
	}
	return writeFile(lagrangePath, srsLagrange)
}

func writeFile(path string, w io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := w.WriteTo(f); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readFile(path string, r io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return missing(path, err)
	}
	defer f.Close()
	if _, err := r.ReadFrom(f); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

func missing(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", types.ErrArtifactMissing, path)
	}
	return err
}

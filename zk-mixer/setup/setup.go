package setup

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/consensys/gnark-crypto/kzg"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/test/unsafekzg"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/rs/zerolog"
)

// Config locates the proof artifacts and selects the circuit.
type Config struct {
	Dir     string
	Backend types.Backend
	Depth   int

	// SRS files for PLONK. Default to srs.canonical and srs.lagrange in Dir.
	SRSPath         string
	SRSLagrangePath string

	// InsecureSRS allows generating the reference string locally when no
	// ceremony output is available. Its toxic waste is known to this process.
	InsecureSRS bool
}

func (cfg *Config) srsPaths() (string, string) {
	canonical, lagrange := cfg.SRSPath, cfg.SRSLagrangePath
	if canonical == "" {
		canonical = filepath.Join(cfg.Dir, SRSFile)
	}
	if lagrange == "" {
		lagrange = filepath.Join(cfg.Dir, SRSLagrangeFile)
	}
	return canonical, lagrange
}

func (cfg *Config) validate() error {
	if cfg.Dir == "" {
		return errors.New("artifact directory is not set")
	}
	if _, err := types.ParseBackend(string(cfg.Backend)); err != nil {
		return err
	}
	if cfg.Depth <= 0 {
		return fmt.Errorf("invalid tree depth %d", cfg.Depth)
	}
	return nil
}

// UniversalSetup returns the KZG reference string PLONK keys are derived from.
// A ceremony SRS is read from disk. Without one, a local SRS is generated only
// if InsecureSRS is set, and is saved for later runs.
func UniversalSetup(cfg *Config, ccs constraint.ConstraintSystem, logger zerolog.Logger) (kzg.SRS, kzg.SRS, error) {
	canonical, lagrange := cfg.srsPaths()

	srs, srsLagrange, err := LoadSRS(canonical, lagrange)
	if err == nil {
		logger.Info().Str("srs", canonical).Msg("loaded universal reference string")
		return srs, srsLagrange, nil
	}
	if !errors.Is(err, types.ErrArtifactMissing) || !cfg.InsecureSRS {
		return nil, nil, err
	}

	logger.Warn().Msg("generating an INSECURE reference string; never use it outside development")
	srs, srsLagrange, err = unsafekzg.NewSRS(ccs)
	if err != nil {
		return nil, nil, err
	}
	if err := SaveSRS(canonical, lagrange, srs, srsLagrange); err != nil {
		return nil, nil, err
	}
	return srs, srsLagrange, nil
}

// CircuitSetup derives the proving and verification keys for ccs.
// For Groth16, groth16.Setup samples fresh randomness and is the single
// circuit-specific contribution. For PLONK the keys come from the SRS.
func CircuitSetup(cfg *Config, ccs constraint.ConstraintSystem, logger zerolog.Logger) (*Artifacts, error) {
	a := &Artifacts{
		Backend: cfg.Backend,
		Depth:   cfg.Depth,
		CCS:     ccs,
	}
	vk := &VerifyingKey{
		Backend:  cfg.Backend,
		Depth:    cfg.Depth,
		NbPublic: ccs.GetNbPublicVariables(),
		Digest:   CircuitDigest(cfg.Backend, cfg.Depth, ccs),
	}

	var err error
	switch cfg.Backend {
	case types.PLONK:
		srs, srsLagrange, err := UniversalSetup(cfg, ccs, logger)
		if err != nil {
			return nil, err
		}
		if a.PlonkPK, vk.Plonk, err = plonk.Setup(ccs, srs, srsLagrange); err != nil {
			return nil, err
		}
	case types.GROTH16:
		if a.Groth16PK, vk.Groth16, err = groth16.Setup(ccs); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown proof backend %q", cfg.Backend)
	}
	a.VerifyingKey = vk

	logger.Info().
		Str("backend", string(cfg.Backend)).
		Int("depth", cfg.Depth).
		Int("constraints", ccs.GetNbConstraints()).
		Str("digest", vk.Digest).
		Msg("circuit setup complete")
	return a, nil
}

// Load reads existing artifacts. Absent files yield types.ErrArtifactMissing.
func Load(cfg *Config) (*Artifacts, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return LoadArtifacts(cfg.Dir, cfg.Backend, cfg.Depth)
}

// SetupOrLoad loads the artifacts in cfg.Dir, or compiles the circuit, runs
// the setup and saves the result when they are missing or were built for a
// different circuit.
func SetupOrLoad(cfg *Config, logger zerolog.Logger) (*Artifacts, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	a, err := LoadArtifacts(cfg.Dir, cfg.Backend, cfg.Depth)
	switch {
	case err == nil:
		logger.Debug().Str("dir", cfg.Dir).Msg("loaded proof artifacts")
		return a, nil
	case errors.Is(err, types.ErrArtifactMissing), errors.Is(err, ErrArtifactMismatch):
		logger.Info().Err(err).Msg("running circuit setup")
	default:
		return nil, err
	}

	ccs, err := types.CompileCircuit(cfg.Backend, cfg.Depth)
	if err != nil {
		return nil, err
	}
	if a, err = CircuitSetup(cfg, ccs, logger); err != nil {
		return nil, err
	}
	if err := a.Save(cfg.Dir); err != nil {
		return nil, err
	}
	return a, nil
}

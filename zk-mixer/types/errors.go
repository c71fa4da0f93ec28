package types

import "errors"

var (
	ErrMalformedNote             = errors.New("malformed note")
	ErrConstraintViolation       = errors.New("witness does not satisfy the withdraw circuit")
	ErrStaleRoot                 = errors.New("stale merkle root")
	ErrNullifierAlreadySpent     = errors.New("nullifier already spent")
	ErrArtifactMissing           = errors.New("proof artifact missing")
	ErrRelayerUnavailable        = errors.New("relayer unavailable")
	ErrInsufficientPoolLiquidity = errors.New("insufficient pool liquidity")
	ErrPartialSplitFailure       = errors.New("split partially executed")

	ErrInvalidProof     = errors.New("invalid proof")
	ErrFeeTooHigh       = errors.New("fee too high")
	ErrRelayerNotActive = errors.New("relayer is not active")
	ErrAlreadyClaimed   = errors.New("stealth payment already claimed")
	ErrUnknownPool      = errors.New("unknown pool")
	ErrSpendInFlight    = errors.New("spend for this nullifier is already in flight")
	ErrFeeTooLow        = errors.New("fee below the relayer schedule")
)

// IsRetryable reports whether err may succeed on a bounded retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleRoot) || errors.Is(err, ErrRelayerUnavailable)
}

// ErrorKind returns a short stable name for the error class of err.
// It is used on the wire so clients can classify failures without parsing messages.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedNote):
		return "MalformedNote"
	case errors.Is(err, ErrConstraintViolation):
		return "ConstraintViolation"
	case errors.Is(err, ErrStaleRoot):
		return "StaleRoot"
	case errors.Is(err, ErrNullifierAlreadySpent):
		return "NullifierAlreadySpent"
	case errors.Is(err, ErrArtifactMissing):
		return "ArtifactMissing"
	case errors.Is(err, ErrRelayerUnavailable):
		return "RelayerUnavailable"
	case errors.Is(err, ErrInsufficientPoolLiquidity):
		return "InsufficientPoolLiquidity"
	case errors.Is(err, ErrPartialSplitFailure):
		return "PartialSplitFailure"
	case errors.Is(err, ErrInvalidProof):
		return "InvalidProof"
	case errors.Is(err, ErrFeeTooHigh):
		return "FeeTooHigh"
	case errors.Is(err, ErrRelayerNotActive):
		return "RelayerNotActive"
	case errors.Is(err, ErrAlreadyClaimed):
		return "AlreadyClaimed"
	case errors.Is(err, ErrUnknownPool):
		return "UnknownPool"
	case errors.Is(err, ErrSpendInFlight):
		return "SpendInFlight"
	case errors.Is(err, ErrFeeTooLow):
		return "FeeTooLow"
	default:
		return "Internal"
	}
}

// KindError maps a wire kind back to its sentinel, or nil for unknown kinds.
func KindError(kind string) error {
	for _, e := range []error{
		ErrMalformedNote, ErrConstraintViolation, ErrStaleRoot, ErrNullifierAlreadySpent,
		ErrArtifactMissing, ErrRelayerUnavailable, ErrInsufficientPoolLiquidity,
		ErrPartialSplitFailure, ErrInvalidProof, ErrFeeTooHigh, ErrRelayerNotActive,
		ErrAlreadyClaimed, ErrUnknownPool, ErrSpendInFlight, ErrFeeTooLow,
	} {
		if ErrorKind(e) == kind {
			return e
		}
	}
	return nil
}

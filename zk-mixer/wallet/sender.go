package wallet

import (
	"context"
	"errors"
	"net/http"

	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/relayer"
	"github.com/kysee/velo-zk/zk-mixer/splitter"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/rs/zerolog"
)

// Sender spends kept notes through a relayer, one split part at a time.
// With StealthMeta set every part pays a fresh stealth address instead of
// Recipient.
type Sender struct {
	Keeper      *Keeper
	Client      *relayer.Client
	Recipient   types.PublicKey
	StealthMeta string

	// OnSent runs after each relayed part, typically to persist the keeper.
	OnSent func(note *types.Note, resp *relayer.RelayResponse)

	Logger zerolog.Logger
}

func (s *Sender) Send(ctx context.Context, part splitter.Part) (types.Signature, error) {
	note, release, err := s.Keeper.Take(part.Denomination)
	if err != nil {
		return types.Signature{}, err
	}

	resp, err := s.relay(ctx, note)
	if err != nil {
		o := outcome(err)
		if o == Unconfirmed {
			s.Logger.Warn().Err(err).
				Str("commitment", note.Commitment().String()).
				Msg("relay outcome unknown, note held until sync")
		}
		release(o)
		return types.Signature{}, err
	}
	release(Spent)

	s.Logger.Info().
		Int("order", part.Order).
		Str("denomination", pool.FormatSol(part.Denomination)).
		Str("fee", resp.Fee.String()).
		Str("signature", resp.Signature.String()).
		Msg("note withdrawn")
	if s.OnSent != nil {
		s.OnSent(note, resp)
	}
	return resp.Signature, nil
}

// outcome classifies a failed relay. Unless the relayer definitely rejected
// the request the withdrawal may have been submitted, so the note stays
// unconfirmed.
func outcome(err error) Outcome {
	var re *relayer.RemoteError
	isRemote := errors.As(err, &re)
	switch {
	case errors.Is(err, types.ErrNullifierAlreadySpent):
		return Spent
	case isRemote && re.Status == http.StatusTooManyRequests:
		// turned away before the handler ran
		return NotSpent
	case errors.Is(err, types.ErrRelayerUnavailable),
		errors.Is(err, types.ErrSpendInFlight),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		isRemote && types.KindError(re.Kind) == nil:
		return Unconfirmed
	}
	return NotSpent
}

func (s *Sender) relay(ctx context.Context, note *types.Note) (*relayer.RelayResponse, error) {
	if s.StealthMeta != "" {
		return s.Client.Stealth(ctx, &relayer.StealthRequest{
			NoteSpend:            *relayer.NewNoteSpend(note, types.PublicKey{}),
			RecipientStealthMeta: s.StealthMeta,
		})
	}
	return s.Client.Withdraw(ctx, &relayer.WithdrawRequest{Note: relayer.NewNoteSpend(note, s.Recipient)})
}

package types

import (
	"crypto/ed25519"
	"errors"

	"github.com/kysee/velo-zk/utils"
)

var errInvalidSeed = errors.New("invalid ed25519 seed length")

func randSeed() []byte {
	return utils.RandBytes(ed25519.SeedSize)
}

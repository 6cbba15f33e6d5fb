package instruments

import (
	"crypto/rand"
	"math/big"
	"time"
)

const (
	credentialKeyLength   = 24
	credentialKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Credential is an opaque API token owned by exactly one of a user or an instrument.
type Credential struct {
	ID           int64
	Key          string
	UserID       *int64
	InstrumentSN string
	CreatedAt    time.Time
}

// DeviceOwned reports whether the credential belongs to an instrument.
func (c Credential) DeviceOwned() bool {
	return c.InstrumentSN != ""
}

// NewCredentialKey generates a random 24 character token of A-Z and 0-9.
func NewCredentialKey() (string, error) {
	max := big.NewInt(int64(len(credentialKeyAlphabet)))
	buf := make([]byte, credentialKeyLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = credentialKeyAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// Package auth implements the two-stage login handshake: stage one mints a
// session token and parks the handshake, stage two verifies the player
// against the identity servers and promotes the handshake to a registered
// user.
package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// MintToken returns a fresh 40-character hex session token. The token
// doubles as the server id the game client reports to the identity server,
// so it must be unpredictable.
func MintToken() (string, error) {
	seed := make([]byte, 20)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("read token seed: %w", err)
	}
	sum := sha1.Sum(seed)
	return hex.EncodeToString(sum[:]), nil
}

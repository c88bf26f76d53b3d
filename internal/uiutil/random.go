package uiutil

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomNonce returns a random hex string, used to build unique FIFO and
// queue-marker file names: a timestamp alone can collide under fast
// repeated invocation, so queue markers carry this nonce after their
// timestamp.
func RandomNonce(byteLen int) (string, error) {
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

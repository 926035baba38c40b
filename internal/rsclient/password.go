package rsclient

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations satisfies spec section 6's "PBKDF-family KDF (>=100k
// iterations)" floor with headroom.
const pbkdf2Iterations = 150_000

const pbkdf2KeyLen = 32

// DerivePasswordHash computes the hex-encoded room-password hash a
// client presents to RS, per spec section 6: a PBKDF2 derivation of
// password salted by the room's own code, so the same password produces
// a different hash in every room. RS never sees password, only this
// hash, and treats it as opaque.
func DerivePasswordHash(roomCode, password string) string {
	key := pbkdf2.Key([]byte(password), []byte(roomCode), pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return hex.EncodeToString(key)
}

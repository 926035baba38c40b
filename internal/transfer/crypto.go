package transfer

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// chunkNonce builds the AEAD nonce for one chunk: transfer-id (16 bytes)
// followed by seq (4 bytes, big-endian), zero-padded to XChaCha20-
// Poly1305's 24-byte extended nonce width, per spec section 4.3.
func chunkNonce(transferID uuid.UUID, seq uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce[:16], transferID[:])
	binary.BigEndian.PutUint32(nonce[16:20], seq)
	return nonce
}

// sealChunk AEAD-encrypts a chunk payload for the relay path, using the
// per-peer key PCM derived via ECDH+HKDF.
func sealChunk(key []byte, transferID uuid.UUID, seq uint32, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("transfer: init AEAD: %w", err)
	}
	nonce := chunkNonce(transferID, seq)
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// openChunk reverses sealChunk on receipt.
func openChunk(key []byte, transferID uuid.UUID, seq uint32, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("transfer: init AEAD: %w", err)
	}
	nonce := chunkNonce(transferID, seq)
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("transfer: open chunk: %w", err)
	}
	return plaintext, nil
}

func randomTransferID() uuid.UUID {
	return uuid.New()
}

// internal/crypto/crypto.go
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// Suite: secp256k1 ECDSA (compact 65-byte sigs) + SHA3-256 digests
// + BLAKE2b-256 for rank scores + XChaCha20-Poly1305 for key files at rest.
// -----------------------------------------------------------------------------

const (
	PubKeySize  = 33
	PrivKeySize = 32
	SigSize     = 65
	KeyIDSize   = 20
)

const (
	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX
)

var (
	ErrBadDigest = errors.New("bad digest size")
	ErrBadKey    = errors.New("bad key")
)

// -----------------------------------------------------------------------------
// Hashing
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func Sum256(msg []byte) [32]byte {
	return sha3.Sum256(msg)
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

func Blake2b256(parts ...[]byte) [32]byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	buf := make([]byte, 0, n)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return blake2b.Sum256(buf)
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
// -----------------------------------------------------------------------------

func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// -----------------------------------------------------------------------------
// secp256k1 keys
// -----------------------------------------------------------------------------

// GenKeypair returns a compressed public key and the raw private scalar.
func GenKeypair() ([]byte, []byte, error) {
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	return ethcrypto.CompressPubkey(&priv.PublicKey), ethcrypto.FromECDSA(priv), nil
}

func PubFromPriv(priv []byte) ([]byte, error) {
	key, err := ethcrypto.ToECDSA(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return ethcrypto.CompressPubkey(&key.PublicKey), nil
}

func ParsePrivHex(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if _, err := ethcrypto.ToECDSA(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return raw, nil
}

func IsPublicKey(pub []byte) bool {
	if len(pub) != PubKeySize {
		return false
	}
	_, err := ethcrypto.DecompressPubkey(pub)
	return err == nil
}

// KeyID is the 20-byte payee identifier derived from a compressed public key.
func KeyID(pub []byte) ([KeyIDSize]byte, error) {
	var id [KeyIDSize]byte
	key, err := ethcrypto.DecompressPubkey(pub)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	addr := ethcrypto.PubkeyToAddress(*key)
	copy(id[:], addr[:])
	return id, nil
}

func SignDigest(priv []byte, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, ErrBadDigest
	}
	key, err := ethcrypto.ToECDSA(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return ethcrypto.Sign(digest, key)
}

func Sign(priv []byte, digest []byte) []byte {
	sig, err := SignDigest(priv, digest)
	if err != nil {
		return nil
	}
	return sig
}

func Verify(pub []byte, digest []byte, sig []byte) bool {
	if len(digest) != 32 || len(sig) != SigSize || !IsPublicKey(pub) {
		return false
	}
	return ethcrypto.VerifySignature(pub, digest, sig[:SigSize-1])
}

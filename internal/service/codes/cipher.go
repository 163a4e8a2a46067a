// Package codes шифрует коды подарочных карт и считает их детерминированный хэш.
package codes

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// ErrInvalidKey возвращается, если ключ не 32 байта в hex.
var ErrInvalidKey = errors.New("code key must be 64 hex characters")

// Cipher — XChaCha20-Poly1305 с nonce в префиксе шифротекста.
type Cipher struct {
	key []byte
}

// NewCipher создаёт шифратор из hex-ключа.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &Cipher{key: key}, nil
}

// GenerateKey возвращает новый случайный ключ в hex.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", errors.Wrap(err, "generate code key")
	}
	return hex.EncodeToString(key), nil
}

func (c *Cipher) Encrypt(plain string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, errors.Wrap(err, "init cipher")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	return aead.Seal(nonce, nonce, []byte(plain), nil), nil
}

func (c *Cipher) Decrypt(sealed []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", errors.Wrap(err, "init cipher")
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return "", errors.New("sealed code is too short")
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", errors.Wrap(err, "decrypt code")
	}
	return string(plain), nil
}

// Hash считает SHA-256 нормализованного кода; по нему ищутся дубликаты.
func (c *Cipher) Hash(plain string) string {
	return HashCode(plain)
}

// HashCode нормализует код (trim, upper case) и возвращает hex SHA-256.
func HashCode(plain string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(plain))))
	return hex.EncodeToString(sum[:])
}

var _ domain.CodeCipher = (*Cipher)(nil)

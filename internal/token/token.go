// Package token issues and validates the short-lived capability tokens that
// gate HLS delivery. A token binds a video ID to an absolute expiry and is
// validated statelessly on every request.
//
// Wire format: "ivHex:cipherHex" — AES-256-CBC over a JSON payload, key
// derived with scrypt from the stream secret and a fixed salt. The format is
// kept bit-compatible with previously issued tokens; note that CBC without a
// MAC is malleable ciphertext, so Validate treats any structural anomaly as
// an invalid token rather than trusting partial decrypts.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/scrypt"
)

var (
	// ErrInvalidToken is returned for any token that cannot be decoded,
	// decrypted, or parsed. The caller never learns which step failed.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned for a well-formed token past its expiry.
	ErrTokenExpired = errors.New("token expired")
)

const (
	keySize   = 32
	scryptN   = 16384
	scryptR   = 8
	scryptP   = 1
	fixedSalt = "salt"
)

// payload is the encrypted token record.
type payload struct {
	VideoID string `json:"videoId"`
	Expires int64  `json:"expires"` // epoch milliseconds
}

// Service issues and validates stream tokens. It is safe for concurrent use.
type Service struct {
	key    []byte
	expiry time.Duration
	now    func() time.Time
}

// NewService derives the token key from secret. Key derivation runs once
// here; issuance and validation are cheap after that.
func NewService(secret string, expiry time.Duration) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("stream secret must not be empty")
	}
	key, err := scrypt.Key([]byte(secret), []byte(fixedSalt), scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive token key: %w", err)
	}
	return &Service{key: key, expiry: expiry, now: time.Now}, nil
}

// Issue mints a token for videoID expiring after the configured window.
func (s *Service) Issue(videoID string) (string, error) {
	data, err := json.Marshal(payload{
		VideoID: videoID,
		Expires: s.now().Add(s.expiry).UnixMilli(),
	})
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	plaintext := pkcs7Pad(data, aes.BlockSize)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Validate decrypts and checks a token, returning the bound video ID. It
// fails closed: any malformed input yields ErrInvalidToken, a stale token
// yields ErrTokenExpired. Validate never mutates state.
func (s *Service) Validate(tok string) (string, error) {
	p, err := s.decrypt(tok)
	if err != nil {
		return "", ErrInvalidToken
	}
	if s.now().UnixMilli() > p.Expires {
		return "", ErrTokenExpired
	}
	return p.VideoID, nil
}

func (s *Service) decrypt(tok string) (*payload, error) {
	ivHex, cipherHex, ok := strings.Cut(tok, ":")
	if !ok {
		return nil, ErrInvalidToken
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, ErrInvalidToken
	}
	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidToken
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	data, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, ErrInvalidToken
	}
	if p.VideoID == "" {
		return nil, ErrInvalidToken
	}
	return &p, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padding")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}

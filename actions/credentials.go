// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package actions

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DeviceIntegrity marks actions that are trusted because of the authenticated device alone
	DeviceIntegrity = "device"

	integrityPrefix  = "password:"
	secondHashRounds = 20000
	secondHashLength = 32
	saltLength       = 16
)

// ErrBadSignature is returned when an integrity value does not match its action
var ErrBadSignature = errors.New("bad action signature")

// Signer produces the integrity value of an encoded action
type Signer interface {
	Sign(sequenceNumber int64, deviceID, encodedAction string) string
}

// SecondHashSigner signs with the derived second password hash of a user
type SecondHashSigner struct {
	SecondHash string
}

// Sign returns "password:" followed by the hex HMAC-SHA512 of the sequence number, device and action
func (s SecondHashSigner) Sign(sequenceNumber int64, deviceID, encodedAction string) string {
	return integrityPrefix + hex.EncodeToString(signature(s.SecondHash, sequenceNumber, deviceID, encodedAction))
}

type deviceSigner struct{}

func (deviceSigner) Sign(int64, string, string) string { return DeviceIntegrity }

// DeviceSigner marks actions with DeviceIntegrity
var DeviceSigner Signer = deviceSigner{}

func signature(key string, sequenceNumber int64, deviceID, encodedAction string) []byte {
	mac := hmac.New(sha512.New, []byte(key))
	mac.Write([]byte(strconv.FormatInt(sequenceNumber, 10)))
	mac.Write([]byte{0})
	mac.Write([]byte(deviceID))
	mac.Write([]byte{0})
	mac.Write([]byte(encodedAction))
	return mac.Sum(nil)
}

// VerifySignature checks an integrity value produced by SecondHashSigner
func VerifySignature(secondHash string, sequenceNumber int64, deviceID, encodedAction, integrity string) error {
	encoded, ok := strings.CutPrefix(integrity, integrityPrefix)
	if !ok {
		return fmt.Errorf("%w: unexpected integrity %q", ErrBadSignature, integrity)
	}
	got, err := hex.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if secondHash == "" || !hmac.Equal(got, signature(secondHash, sequenceNumber, deviceID, encodedAction)) {
		return ErrBadSignature
	}
	return nil
}

// DeriveSecondHash derives the signing key of a user from the password and the second salt
func DeriveSecondHash(password, salt string) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), secondHashRounds, secondHashLength, sha512.New)
	return base64.StdEncoding.EncodeToString(key)
}

// HashPassword returns the bcrypt hash of password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the bcrypt hash
func CheckPassword(hash, password string) bool {
	return hash != "" && bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Credentials are the derived secrets of a new password
type Credentials struct {
	PasswordHash       string
	SecondPasswordSalt string
	SecondPasswordHash string
}

// NewCredentials hashes password and derives a fresh second hash
func NewCredentials(password string) (Credentials, error) {
	if password == "" {
		return Credentials{}, invalid("password must not be empty")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Credentials{}, err
	}
	raw := make([]byte, saltLength)
	if _, err := rand.Read(raw); err != nil {
		return Credentials{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	salt := base64.RawURLEncoding.EncodeToString(raw)
	return Credentials{
		PasswordHash:       hash,
		SecondPasswordSalt: salt,
		SecondPasswordHash: DeriveSecondHash(password, salt),
	}, nil
}

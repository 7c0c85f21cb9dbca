package osubot

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"golang.org/x/crypto/argon2"
	"strings"
)

var errInvalidHash = errors.New("invalid password hash")

// argon2Params are the Argon2id cost parameters encoded in a hash
type argon2Params struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	KeyLen  uint32
}

var defaultArgon2Params = argon2Params{
	Memory:  64 * 1024,
	Time:    1,
	Threads: 4,
	KeyLen:  32,
}

func (p argon2Params) key(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// HashPassword hashes a password with Argon2id, returning it in the
// PHC string format: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	p := defaultArgon2Params
	enc := base64.RawStdEncoding
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Time,
		p.Threads,
		enc.EncodeToString(salt),
		enc.EncodeToString(p.key(password, salt)),
	), nil
}

// parseArgon2Hash splits a hash created by HashPassword into its
// parameters, salt and key
func parseArgon2Hash(encoded string) (argon2Params, []byte, []byte, error) {
	var p argon2Params
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[1] != "argon2id" {
		return p, nil, nil, errInvalidHash
	}
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, fmt.Errorf("%w: %w", errInvalidHash, err)
	}
	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(fields[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad salt", errInvalidHash)
	}
	key, err := enc.DecodeString(fields[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad key", errInvalidHash)
	}
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}

// VerifyPassword reports whether password matches a hash created by
// HashPassword
func VerifyPassword(storedHash, password string) (bool, error) {
	p, salt, key, err := parseArgon2Hash(storedHash)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(key, p.key(password, salt)) == 1, nil
}

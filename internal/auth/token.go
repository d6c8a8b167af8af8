// Package auth generates and verifies the bearer tokens presented when a
// tunnel is opened.
//
// A token is base64(user || ts || digest) where ts is the Unix time in
// seconds as a big-endian u64 and digest is SHA1(key || ts || salt).
package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dan-v/geotunnel/pkg/shared"
)

const (
	tokenSalt  = "9a340544-8f74-4d1e-b3b0-32a769615902"
	digestSize = sha1.Size
	// suffixSize is the fixed tail after the variable-length user name.
	suffixSize = 8 + digestSize

	bearerPrefix = "Bearer "
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrMalformed     = errors.New("malformed token")
	ErrClockSkew     = errors.New("token timestamp outside allowed skew")
	ErrUnknownUser   = errors.New("unknown user")
	ErrBadDigest     = errors.New("token digest mismatch")
)

// User is one credential pair accepted by the server.
type User struct {
	Name string `mapstructure:"user" yaml:"user"`
	Key  string `mapstructure:"key" yaml:"key"`
}

// Digest computes SHA1(key || ts || salt).
func (u User) Digest(ts uint64) [digestSize]byte {
	buf := make([]byte, 0, len(u.Key)+8+len(tokenSalt))
	buf = append(buf, u.Key...)
	buf = binary.BigEndian.AppendUint64(buf, ts)
	buf = append(buf, tokenSalt...)
	return sha1.Sum(buf)
}

// Token encodes a token for the given instant.
func (u User) Token(now time.Time) string {
	ts := uint64(now.Unix())
	digest := u.Digest(ts)
	raw := make([]byte, 0, len(u.Name)+suffixSize)
	raw = append(raw, u.Name...)
	raw = binary.BigEndian.AppendUint64(raw, ts)
	raw = append(raw, digest[:]...)
	return base64.StdEncoding.EncodeToString(raw)
}

// BearerHeader is the Authorization header value for a fresh token.
func (u User) BearerHeader() string {
	return bearerPrefix + u.Token(time.Now())
}

// Verifier checks tokens against a fixed user list.
type Verifier struct {
	users   map[string]User
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier builds a verifier. The first entry wins when names repeat.
func NewVerifier(users []User) *Verifier {
	m := make(map[string]User, len(users))
	for _, u := range users {
		if _, ok := m[u.Name]; !ok {
			m[u.Name] = u
		}
	}
	return &Verifier{users: m, maxSkew: shared.AuthClockSkew, now: time.Now}
}

// VerifyHeader strips the Bearer scheme and verifies the token.
func (v *Verifier) VerifyHeader(header string) (string, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrMissingBearer
	}
	return v.Verify(strings.TrimSpace(header[len(bearerPrefix):]))
}

// Verify returns the authenticated user name.
func (v *Verifier) Verify(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil || len(raw) <= suffixSize {
		return "", ErrMalformed
	}
	nameLen := len(raw) - suffixSize
	name := raw[:nameLen]
	if !utf8.Valid(name) {
		return "", ErrMalformed
	}
	ts := binary.BigEndian.Uint64(raw[nameLen : nameLen+8])
	digest := raw[nameLen+8:]

	if skew(v.now(), ts) > v.maxSkew {
		return "", ErrClockSkew
	}
	u, ok := v.users[string(name)]
	if !ok {
		return "", ErrUnknownUser
	}
	want := u.Digest(ts)
	if !hmac.Equal(want[:], digest) {
		return "", ErrBadDigest
	}
	return u.Name, nil
}

func skew(now time.Time, ts uint64) time.Duration {
	cur := uint64(now.Unix())
	var d uint64
	if cur >= ts {
		d = cur - ts
	} else {
		d = ts - cur
	}
	if d > uint64(1<<33) {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(d) * time.Second
}

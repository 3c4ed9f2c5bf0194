package authn

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"strconv"
	"strings"
)

// b64Alphabet is the custom base64-like alphabet used by the classical
// crypt(3) SHA-512 scheme — unrelated to RFC 4648 base64.
const b64Alphabet = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const (
	cryptPrefix    = "$6$"
	defaultRounds  = 5000
	minRounds      = 1000
	maxRounds      = 999999999
	saltCharset    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	defaultSaltLen = 16
)

// GenerateSalt produces a fresh 16-character salt drawn from the
// URL-safe base64 alphabet (A-Z, a-z, 0-9, '-', '_'), suitable for a new
// $6$ hash.
func GenerateSalt() (string, error) {
	buf := make([]byte, defaultSaltLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("authn: generate salt: %w", err)
	}
	out := make([]byte, defaultSaltLen)
	for i, b := range buf {
		out[i] = saltCharset[int(b)%len(saltCharset)]
	}
	return string(out), nil
}

// HashPassword produces a "$6$salt$hash" crypt string for password using
// a freshly generated salt and the default round count (5000), matching
// what a system mkpasswd -m sha-512 would produce for the same salt.
func HashPassword(password string) (string, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	return sha512Crypt(password, salt, defaultRounds), nil
}

// VerifyPassword reports whether password matches the given "$6$..." hash.
func VerifyPassword(password, hash string) bool {
	salt, rounds, ok := parseSalt(hash)
	if !ok {
		return false
	}
	computed := sha512Crypt(password, salt, rounds)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// parseSalt extracts the salt and round count embedded in an existing
// "$6$[rounds=N$]salt$hash" string so verification can reproduce it.
func parseSalt(hash string) (salt string, rounds int, ok bool) {
	if !strings.HasPrefix(hash, cryptPrefix) {
		return "", 0, false
	}
	rest := hash[len(cryptPrefix):]
	rounds = defaultRounds

	if strings.HasPrefix(rest, "rounds=") {
		idx := strings.IndexByte(rest, '$')
		if idx < 0 {
			return "", 0, false
		}
		spec := rest[len("rounds="):idx]
		n, err := strconv.Atoi(spec)
		if err != nil {
			return "", 0, false
		}
		if n < minRounds {
			n = minRounds
		}
		if n > maxRounds {
			n = maxRounds
		}
		rounds = n
		rest = rest[idx+1:]
	}

	idx := strings.IndexByte(rest, '$')
	if idx < 0 {
		return "", 0, false
	}
	salt = rest[:idx]
	return salt, rounds, true
}

// sha512Crypt implements the public crypt(3) SHA-512 algorithm (Drepper's
// "Unix crypt using SHA-256/SHA-512" specification) and renders the
// "$6$salt$hash" encoded form.
func sha512Crypt(password, salt string, rounds int) string {
	key := []byte(password)
	s := []byte(salt)
	keylen := len(key)
	saltlen := len(s)

	altCtx := sha512.New()
	altCtx.Write(key)
	altCtx.Write(s)
	altCtx.Write(key)
	altResult := altCtx.Sum(nil)

	ctx := sha512.New()
	ctx.Write(key)
	ctx.Write(s)
	cnt := keylen
	for cnt > 64 {
		ctx.Write(altResult)
		cnt -= 64
	}
	ctx.Write(altResult[:cnt])

	for cnt = keylen; cnt > 0; cnt >>= 1 {
		if cnt&1 != 0 {
			ctx.Write(altResult)
		} else {
			ctx.Write(key)
		}
	}
	altResult = ctx.Sum(nil)

	tempCtx := sha512.New()
	for i := 0; i < keylen; i++ {
		tempCtx.Write(key)
	}
	tempResult := tempCtx.Sum(nil)

	pBytes := repeatToLength(tempResult, keylen)

	tempCtx = sha512.New()
	repeatCount := 16 + int(altResult[0])
	for i := 0; i < repeatCount; i++ {
		tempCtx.Write(s)
	}
	tempResult = tempCtx.Sum(nil)

	sBytes := repeatToLength(tempResult, saltlen)

	for i := 0; i < rounds; i++ {
		c2 := sha512.New()
		if i&1 != 0 {
			c2.Write(pBytes)
		} else {
			c2.Write(altResult)
		}
		if i%3 != 0 {
			c2.Write(sBytes)
		}
		if i%7 != 0 {
			c2.Write(pBytes)
		}
		if i&1 != 0 {
			c2.Write(altResult)
		} else {
			c2.Write(pBytes)
		}
		altResult = c2.Sum(nil)
	}

	encoded := encodeSHA512Crypt(altResult)

	var b strings.Builder
	b.WriteString(cryptPrefix)
	if rounds != defaultRounds {
		fmt.Fprintf(&b, "rounds=%d$", rounds)
	}
	b.WriteString(salt)
	b.WriteByte('$')
	b.WriteString(encoded)
	return b.String()
}

// repeatToLength copies src cyclically until it fills n bytes.
func repeatToLength(src []byte, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = src[i%len(src)]
	}
	return out
}

// sha512CryptIndices is the fixed byte-triple permutation used to encode
// the 64-byte final digest into the 86-character output string.
var sha512CryptIndices = [21][3]int{
	{0, 21, 42}, {22, 43, 1}, {44, 2, 23}, {3, 24, 45}, {25, 46, 4},
	{47, 5, 26}, {6, 27, 48}, {28, 49, 7}, {50, 8, 29}, {9, 30, 51},
	{31, 52, 10}, {53, 11, 32}, {12, 33, 54}, {34, 55, 13}, {56, 14, 35},
	{15, 36, 57}, {37, 58, 16}, {59, 17, 38}, {18, 39, 60}, {40, 61, 19},
	{62, 20, 41},
}

func encodeSHA512Crypt(buf []byte) string {
	var out strings.Builder
	for _, tri := range sha512CryptIndices {
		b64From24Bit(buf[tri[0]], buf[tri[1]], buf[tri[2]], 4, &out)
	}
	b64From24Bit(0, 0, buf[63], 2, &out)
	return out.String()
}

func b64From24Bit(b2, b1, b0 byte, n int, out *strings.Builder) {
	w := uint32(b2)<<16 | uint32(b1)<<8 | uint32(b0)
	for i := 0; i < n; i++ {
		out.WriteByte(b64Alphabet[w&0x3f])
		w >>= 6
	}
}

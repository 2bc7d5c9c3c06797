package fetcher

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// The provider's public share links embed an access token behind a reversible
// obfuscation (a seeded linear-congruential keystream XORed over hex pairs,
// wrapping a base64 JSON blob). This is a fixed vendor transform, not a
// security boundary; it is ported verbatim and treated as a fragile
// integration detail. The seed password ships as "usr.cn" in the vendor's
// frontend.

const defaultSharePassword = "usr.cn"

const shareModulus = 1<<31 - 1

// DecodeShareToken recovers the API token from a share-link parameter.
func DecodeShareToken(share, password string) (string, error) {
	if password == "" {
		password = defaultSharePassword
	}
	if len(share) <= 8 {
		return "", fmt.Errorf("share parameter too short (%d chars)", len(share))
	}

	seed := ""
	for _, c := range password {
		seed += strconv.Itoa(int(c))
	}

	sPos := len(seed) / 5
	multDigits := string(seed[sPos]) + string(seed[2*sPos]) + string(seed[3*sPos]) + string(seed[4*sPos]) + string(seed[5*sPos])
	mult, err := strconv.ParseInt(multDigits, 10, 64)
	if err != nil {
		return "", fmt.Errorf("derive multiplier: %w", err)
	}
	// Half-to-even rounding matches the vendor's round(len/2).
	incr := int64(math.RoundToEven(float64(len(password)) / 2))

	salt, err := strconv.ParseInt(share[len(share)-8:], 16, 64)
	if err != nil {
		return "", fmt.Errorf("parse share salt: %w", err)
	}
	core := share[:len(share)-8]

	state, err := foldSeed(seed + strconv.FormatInt(salt, 10))
	if err != nil {
		return "", err
	}
	state = (mult*state + incr) % shareModulus

	decoded := make([]byte, 0, len(core)/2)
	for i := 0; i+1 < len(core); i += 2 {
		pair, err := strconv.ParseInt(core[i:i+2], 16, 64)
		if err != nil {
			return "", fmt.Errorf("parse share byte at %d: %w", i, err)
		}
		key := int64(float64(state) / float64(shareModulus) * 255)
		decoded = append(decoded, byte(pair^key))
		state = (mult*state + incr) % shareModulus
	}

	raw, err := base64.StdEncoding.DecodeString(string(decoded))
	if err != nil {
		return "", fmt.Errorf("decode share payload: %w", err)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("unmarshal share payload: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("share payload carries no token")
	}
	return payload.Token, nil
}

// foldSeed repeatedly folds the decimal seed string down to at most ten
// digits by adding its head and tail, mirroring the vendor transform.
func foldSeed(digits string) (int64, error) {
	for len(digits) > 10 {
		head, err := strconv.ParseInt(digits[:10], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("fold seed head: %w", err)
		}
		tail, err := strconv.ParseInt(digits[10:], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("fold seed tail: %w", err)
		}
		digits = strconv.FormatInt(head+tail, 10)
	}
	return strconv.ParseInt(digits, 10, 64)
}

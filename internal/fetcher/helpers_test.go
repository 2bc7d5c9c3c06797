package fetcher

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// encodeShareToken builds a share parameter the way the vendor frontend does,
// for exercising the decoder. salt must be eight hex characters.
func encodeShareToken(t *testing.T, token, password, salt string) string {
	t.Helper()

	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		t.Fatalf("编码 payload 失败: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(payload)

	seed := ""
	for _, c := range password {
		seed += strconv.Itoa(int(c))
	}
	sPos := len(seed) / 5
	multDigits := string(seed[sPos]) + string(seed[2*sPos]) + string(seed[3*sPos]) + string(seed[4*sPos]) + string(seed[5*sPos])
	mult, err := strconv.ParseInt(multDigits, 10, 64)
	if err != nil {
		t.Fatalf("推导乘数失败: %v", err)
	}
	incr := int64(math.RoundToEven(float64(len(password)) / 2))

	saltVal, err := strconv.ParseInt(salt, 16, 64)
	if err != nil {
		t.Fatalf("解析 salt 失败: %v", err)
	}

	state, err := foldSeed(seed + strconv.FormatInt(saltVal, 10))
	if err != nil {
		t.Fatalf("折叠种子失败: %v", err)
	}
	state = (mult*state + incr) % shareModulus

	var sb strings.Builder
	for i := 0; i < len(encoded); i++ {
		key := int64(float64(state) / float64(shareModulus) * 255)
		sb.WriteString(fmt.Sprintf("%02x", int64(encoded[i])^key))
		state = (mult*state + incr) % shareModulus
	}
	sb.WriteString(salt)
	return sb.String()
}

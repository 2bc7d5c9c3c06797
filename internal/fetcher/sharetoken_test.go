package fetcher

import "testing"

func TestDecodeShareTokenDefaultPassword(t *testing.T) {
	share := encodeShareToken(t, "tok-1234567890", defaultSharePassword, "00c0ffee")

	token, err := DecodeShareToken(share, "")
	if err != nil {
		t.Fatalf("解码应成功: %v", err)
	}
	if token != "tok-1234567890" {
		t.Fatalf("期望 token tok-1234567890, 实际 %s", token)
	}
}

func TestDecodeShareTokenCustomPassword(t *testing.T) {
	share := encodeShareToken(t, "another-token", "secret", "0000abcd")

	token, err := DecodeShareToken(share, "secret")
	if err != nil {
		t.Fatalf("解码应成功: %v", err)
	}
	if token != "another-token" {
		t.Fatalf("期望 token another-token, 实际 %s", token)
	}

	if _, err := DecodeShareToken(share, "wrongpw"); err == nil {
		t.Fatal("错误口令应解码失败")
	}
}

func TestDecodeShareTokenOddLengthPassword(t *testing.T) {
	// round(5/2) banker's rounding gives 2, not 3.
	share := encodeShareToken(t, "odd-token", "abcde", "00001234")

	token, err := DecodeShareToken(share, "abcde")
	if err != nil {
		t.Fatalf("解码应成功: %v", err)
	}
	if token != "odd-token" {
		t.Fatalf("期望 token odd-token, 实际 %s", token)
	}
}

func TestDecodeShareTokenTooShort(t *testing.T) {
	if _, err := DecodeShareToken("deadbeef", ""); err == nil {
		t.Fatal("过短的 share 参数应报错")
	}
}

func TestDecodeShareTokenBadSalt(t *testing.T) {
	if _, err := DecodeShareToken("0011223344zzzzzzzz", ""); err == nil {
		t.Fatal("非法 salt 应报错")
	}
}

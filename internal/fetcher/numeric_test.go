package fetcher

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestExtractNumber(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{"unit suffix", "150.5 mm", "150.5", true},
		{"no separator", "133mm", "133", true},
		{"label prefix", "Velocity: 0.45 m/s", "0.45", true},
		{"trailing dot", "42.", "42", true},
		{"whitespace only", "   ", "", false},
		{"no digits", "offline", "", false},
		{"empty", "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := extractNumber(tc.text)
			if ok != tc.ok {
				t.Fatalf("ok 期望 %v, 实际 %v", tc.ok, ok)
			}
			if !ok {
				return
			}
			want, err := decimal.NewFromString(tc.want)
			if err != nil {
				t.Fatalf("测试数据非法: %v", err)
			}
			if !got.Equal(want) {
				t.Fatalf("期望 %s, 实际 %s", want, got)
			}
		})
	}
}

func TestExtractFieldsSkipsUnparseable(t *testing.T) {
	values := extractFields(map[Field]string{
		FieldDepth:    "150.5 mm",
		FieldVelocity: "--",
		FieldFlow:     "25.3 L/s",
	})

	if len(values) != 2 {
		t.Fatalf("期望 2 个字段, 实际 %d", len(values))
	}
	if _, ok := values[FieldVelocity]; ok {
		t.Fatal("无法解析的字段不应出现在结果中")
	}
	if !values[FieldDepth].Equal(decimal.RequireFromString("150.5")) {
		t.Fatalf("depth 值不正确: %s", values[FieldDepth])
	}
}

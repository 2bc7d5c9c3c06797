package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestBuildListQueryNoFilter(t *testing.T) {
	query, args := buildListQuery(MeasurementFilter{})

	if len(args) != 0 {
		t.Fatalf("无过滤条件不应产生参数: %v", args)
	}
	if strings.Contains(query, "WHERE") {
		t.Fatalf("无过滤条件不应包含 WHERE: %s", query)
	}
	if !strings.Contains(query, "ORDER BY m.timestamp DESC") {
		t.Fatalf("应按时间倒序: %s", query)
	}
	if strings.Contains(query, "LIMIT") {
		t.Fatalf("Limit 为零不应包含 LIMIT: %s", query)
	}
}

func TestBuildListQueryAllFilters(t *testing.T) {
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	query, args := buildListQuery(MeasurementFilter{
		DeviceID: "fit100",
		From:     &from,
		To:       &to,
		Limit:    50,
	})

	if len(args) != 4 {
		t.Fatalf("期望 4 个参数, 实际 %d", len(args))
	}
	for _, fragment := range []string{"m.device_id = $1", "m.timestamp >= $2", "m.timestamp < $3", "LIMIT $4"} {
		if !strings.Contains(query, fragment) {
			t.Fatalf("查询缺少 %q: %s", fragment, query)
		}
	}
	if args[0] != "fit100" {
		t.Fatalf("首个参数应为设备 ID, 实际 %v", args[0])
	}
}

func TestBuildListQueryPlaceholderNumbering(t *testing.T) {
	to := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	query, args := buildListQuery(MeasurementFilter{To: &to, Limit: 10})

	if len(args) != 2 {
		t.Fatalf("期望 2 个参数, 实际 %d", len(args))
	}
	if !strings.Contains(query, "m.timestamp < $1") || !strings.Contains(query, "LIMIT $2") {
		t.Fatalf("占位符编号应随条件压缩: %s", query)
	}
}

func TestParseNullDecimal(t *testing.T) {
	value, err := parseNullDecimal(sql.NullString{Valid: true, String: "150.5"})
	if err != nil {
		t.Fatalf("合法数值解析失败: %v", err)
	}
	if value == nil || !value.Equal(decimal.RequireFromString("150.5")) {
		t.Fatalf("解析结果不正确: %v", value)
	}

	value, err = parseNullDecimal(sql.NullString{})
	if err != nil || value != nil {
		t.Fatalf("NULL 应解析为 nil: %v %v", value, err)
	}

	if _, err := parseNullDecimal(sql.NullString{Valid: true, String: "abc"}); err == nil {
		t.Fatal("非法数值应报错")
	}
}

func TestDecimalArg(t *testing.T) {
	if decimalArg(nil) != nil {
		t.Fatal("nil 指针应映射为 SQL NULL")
	}
	v := decimal.RequireFromString("25.3")
	if decimalArg(&v) != "25.3" {
		t.Fatalf("数值应以字符串下发, 实际 %v", decimalArg(&v))
	}
}

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	if err := s.AddDevice(context.Background(), Device{ID: "fit100"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置的存储应返回 ErrNotConfigured, 实际 %v", err)
	}
	if _, err := s.CountMeasurements(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置的存储应返回 ErrNotConfigured, 实际 %v", err)
	}
}

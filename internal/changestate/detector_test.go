package changestate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"flow-monitor/internal/fetcher"
)

func reading(depth, velocity, flow string) fetcher.Reading {
	return fetcher.Reading{
		Timestamp: time.Now().UTC(),
		Values: map[fetcher.Field]decimal.Decimal{
			fetcher.FieldDepth:    decimal.RequireFromString(depth),
			fetcher.FieldVelocity: decimal.RequireFromString(velocity),
			fetcher.FieldFlow:     decimal.RequireFromString(flow),
		},
	}
}

func newTestDetector(t *testing.T) (*Detector, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	detector, err := NewDetector(NewFileStore(path, zerolog.Nop()), zerolog.Nop())
	if err != nil {
		t.Fatalf("构造探测器失败: %v", err)
	}
	return detector, path
}

func TestDetectorReportsChangesOnly(t *testing.T) {
	detector, _ := newTestDetector(t)

	changed, err := detector.Observe("fit100", reading("150.5", "0.45", "25.3"))
	if err != nil {
		t.Fatalf("首次观测失败: %v", err)
	}
	if !changed {
		t.Fatal("首次观测应视为变化")
	}

	changed, err = detector.Observe("fit100", reading("150.5", "0.45", "25.3"))
	if err != nil {
		t.Fatalf("重复观测失败: %v", err)
	}
	if changed {
		t.Fatal("相同读数不应视为变化")
	}

	changed, err = detector.Observe("fit100", reading("152.0", "0.45", "25.3"))
	if err != nil {
		t.Fatalf("第三次观测失败: %v", err)
	}
	if !changed {
		t.Fatal("单个字段变化应视为变化")
	}
}

func TestDetectorTracksDevicesIndependently(t *testing.T) {
	detector, _ := newTestDetector(t)

	if changed, _ := detector.Observe("fit100", reading("150.5", "0.45", "25.3")); !changed {
		t.Fatal("fit100 首次观测应视为变化")
	}
	if changed, _ := detector.Observe("fit200", reading("150.5", "0.45", "25.3")); !changed {
		t.Fatal("fit200 首次观测应视为变化, 不应继承其他设备的基线")
	}
}

func TestFingerprintFieldOrderIndependent(t *testing.T) {
	a := map[fetcher.Field]decimal.Decimal{
		fetcher.FieldDepth:    decimal.RequireFromString("150.5"),
		fetcher.FieldVelocity: decimal.RequireFromString("0.45"),
	}
	b := map[fetcher.Field]decimal.Decimal{
		fetcher.FieldVelocity: decimal.RequireFromString("0.45"),
		fetcher.FieldDepth:    decimal.RequireFromString("150.5"),
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("指纹不应依赖字段遍历顺序")
	}

	c := map[fetcher.Field]decimal.Decimal{
		fetcher.FieldDepth: decimal.RequireFromString("150.5"),
	}
	if Fingerprint(a) == Fingerprint(c) {
		t.Fatal("缺失字段应产生不同指纹")
	}
}

func TestDetectorSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	first, err := NewDetector(NewFileStore(path, zerolog.Nop()), zerolog.Nop())
	if err != nil {
		t.Fatalf("构造探测器失败: %v", err)
	}
	if changed, _ := first.Observe("fit100", reading("150.5", "0.45", "25.3")); !changed {
		t.Fatal("首次观测应视为变化")
	}

	// A fresh detector over the same file inherits the baseline.
	second, err := NewDetector(NewFileStore(path, zerolog.Nop()), zerolog.Nop())
	if err != nil {
		t.Fatalf("重启后构造探测器失败: %v", err)
	}
	if changed, _ := second.Observe("fit100", reading("150.5", "0.45", "25.3")); changed {
		t.Fatal("重启后相同读数不应视为变化")
	}

	state, ok := second.Last("fit100")
	if !ok {
		t.Fatal("重启后应能读取基线")
	}
	if !state.Values[fetcher.FieldDepth].Equal(decimal.RequireFromString("150.5")) {
		t.Fatalf("基线值不正确: %s", state.Values[fetcher.FieldDepth])
	}
}

func TestFileStoreToleratesMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("写入测试文件失败: %v", err)
	}

	detector, err := NewDetector(NewFileStore(path, zerolog.Nop()), zerolog.Nop())
	if err != nil {
		t.Fatalf("损坏的状态文件不应阻止启动: %v", err)
	}
	if changed, _ := detector.Observe("fit100", reading("150.5", "0.45", "25.3")); !changed {
		t.Fatal("损坏状态下首次观测应视为变化")
	}
}

func TestFileStoreMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.json"), zerolog.Nop())
	states, err := store.Load()
	if err != nil {
		t.Fatalf("缺失文件不应报错: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("缺失文件应得到空状态, 实际 %d", len(states))
	}
}

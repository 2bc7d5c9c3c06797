package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"flow-monitor/internal/changestate"
	"flow-monitor/internal/fetcher"
	"flow-monitor/internal/storage"
)

type fakeFetcher struct {
	calls    int
	failures int
	values   map[fetcher.Field]decimal.Decimal
}

func (f *fakeFetcher) Fetch(ctx context.Context, src fetcher.Source) (fetcher.Reading, error) {
	f.calls++
	if f.calls <= f.failures {
		return fetcher.Reading{}, errors.New("fetch failed")
	}
	values := make(map[fetcher.Field]decimal.Decimal, len(f.values))
	for field, value := range f.values {
		values[field] = value
	}
	return fetcher.Reading{Timestamp: time.Now().UTC(), Values: values, Strategy: "test"}, nil
}

type fakeStore struct {
	devices      []storage.Device
	measurements []storage.Measurement
}

func (s *fakeStore) AddDevice(ctx context.Context, device storage.Device) error {
	s.devices = append(s.devices, device)
	return nil
}

func (s *fakeStore) AddMeasurement(ctx context.Context, m storage.Measurement) error {
	s.measurements = append(s.measurements, m)
	return nil
}

func (s *fakeStore) ListMeasurements(ctx context.Context, filter storage.MeasurementFilter) ([]storage.Measurement, error) {
	return s.measurements, nil
}

func (s *fakeStore) CountDevices(ctx context.Context) (int64, error) {
	return int64(len(s.devices)), nil
}

func (s *fakeStore) CountMeasurements(ctx context.Context) (int64, error) {
	return int64(len(s.measurements)), nil
}

func (s *fakeStore) LatestMeasurementTime(ctx context.Context, deviceID string) (time.Time, bool, error) {
	if len(s.measurements) == 0 {
		return time.Time{}, false, nil
	}
	return s.measurements[len(s.measurements)-1].Timestamp, true, nil
}

type fakePublisher struct {
	published []fetcher.Reading
	err       error
}

func (p *fakePublisher) PublishReading(ctx context.Context, device Device, reading fetcher.Reading) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, reading)
	return nil
}

func testValues(depth string) map[fetcher.Field]decimal.Decimal {
	return map[fetcher.Field]decimal.Decimal{
		fetcher.FieldDepth:    decimal.RequireFromString(depth),
		fetcher.FieldVelocity: decimal.RequireFromString("0.45"),
		fetcher.FieldFlow:     decimal.RequireFromString("25.3"),
	}
}

func newTestDetector(t *testing.T) *changestate.Detector {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	detector, err := changestate.NewDetector(changestate.NewFileStore(path, zerolog.Nop()), zerolog.Nop())
	if err != nil {
		t.Fatalf("构造探测器失败: %v", err)
	}
	return detector
}

func testDevice() Device {
	return Device{ID: "fit100", Name: "FIT100", Source: fetcher.Source{URL: "http://example.com"}}
}

func TestMonitorStoresChangedReading(t *testing.T) {
	fetch := &fakeFetcher{values: testValues("150.5")}
	store := &fakeStore{}
	pub := &fakePublisher{}

	m := New(Options{RetryDelay: time.Millisecond}, []Device{testDevice()}, fetch, newTestDetector(t), store, pub, nil, zerolog.Nop())
	m.runCycle(context.Background())

	if len(store.devices) != 1 || store.devices[0].ID != "fit100" {
		t.Fatalf("设备应被登记: %+v", store.devices)
	}
	if len(store.measurements) != 1 {
		t.Fatalf("期望 1 条测量记录, 实际 %d", len(store.measurements))
	}
	measurement := store.measurements[0]
	if measurement.DepthMM == nil || !measurement.DepthMM.Equal(decimal.RequireFromString("150.5")) {
		t.Fatalf("depth 值不正确: %+v", measurement.DepthMM)
	}
	if len(pub.published) != 1 {
		t.Fatalf("变化读数应被发布, 实际 %d", len(pub.published))
	}
	if stats := m.Snapshot(); stats.Updates != 1 || stats.Checks != 1 || !stats.Healthy {
		t.Fatalf("计数不正确: %+v", stats)
	}
}

func TestMonitorSkipsUnchangedReading(t *testing.T) {
	fetch := &fakeFetcher{values: testValues("150.5")}
	store := &fakeStore{}

	m := New(Options{RetryDelay: time.Millisecond}, []Device{testDevice()}, fetch, newTestDetector(t), store, nil, nil, zerolog.Nop())
	m.runCycle(context.Background())
	m.runCycle(context.Background())

	if len(store.measurements) != 1 {
		t.Fatalf("相同读数只应存储一次, 实际 %d", len(store.measurements))
	}
	if stats := m.Snapshot(); stats.Checks != 2 || stats.Updates != 1 {
		t.Fatalf("计数不正确: %+v", stats)
	}
}

func TestMonitorStoreAllReadings(t *testing.T) {
	fetch := &fakeFetcher{values: testValues("150.5")}
	store := &fakeStore{}

	m := New(Options{RetryDelay: time.Millisecond, StoreAllReadings: true}, []Device{testDevice()}, fetch, newTestDetector(t), store, nil, nil, zerolog.Nop())
	m.runCycle(context.Background())
	m.runCycle(context.Background())

	if len(store.measurements) != 2 {
		t.Fatalf("全量模式应存储每次读数, 实际 %d", len(store.measurements))
	}
}

func TestMonitorRetriesFetch(t *testing.T) {
	fetch := &fakeFetcher{failures: 2, values: testValues("150.5")}
	store := &fakeStore{}

	m := New(Options{RetryAttempts: 3, RetryDelay: time.Millisecond}, []Device{testDevice()}, fetch, newTestDetector(t), store, nil, nil, zerolog.Nop())
	m.runCycle(context.Background())

	if fetch.calls != 3 {
		t.Fatalf("期望 3 次抓取尝试, 实际 %d", fetch.calls)
	}
	if stats := m.Snapshot(); stats.ConsecutiveErrors != 0 || stats.Errors != 0 {
		t.Fatalf("重试成功后不应计入错误: %+v", stats)
	}
	if len(store.measurements) != 1 {
		t.Fatalf("重试成功后应存储读数, 实际 %d", len(store.measurements))
	}
}

func TestMonitorExhaustedRetriesCountAsCycleError(t *testing.T) {
	fetch := &fakeFetcher{failures: 100}

	m := New(Options{RetryAttempts: 2, RetryDelay: time.Millisecond}, []Device{testDevice()}, fetch, newTestDetector(t), nil, nil, nil, zerolog.Nop())
	m.runCycle(context.Background())

	if fetch.calls != 2 {
		t.Fatalf("期望 2 次抓取尝试, 实际 %d", fetch.calls)
	}
	if stats := m.Snapshot(); stats.Errors != 1 || stats.ConsecutiveErrors != 1 {
		t.Fatalf("重试耗尽应计入周期错误: %+v", stats)
	}
}

func TestMonitorUnhealthyAfterThreshold(t *testing.T) {
	fetch := &fakeFetcher{failures: 100}

	m := New(Options{RetryAttempts: 1, RetryDelay: time.Millisecond, MaxConsecutiveErrors: 2, ExitOnUnhealthy: true}, []Device{testDevice()}, fetch, newTestDetector(t), nil, nil, nil, zerolog.Nop())

	if err := m.tick(context.Background()); err != nil {
		t.Fatalf("阈值未到时不应退出: %v", err)
	}
	if err := m.tick(context.Background()); !errors.Is(err, ErrUnhealthy) {
		t.Fatalf("超过阈值应返回 ErrUnhealthy, 实际 %v", err)
	}
	if m.Healthy() {
		t.Fatal("超过阈值后应为不健康")
	}
}

func TestMonitorRecoversAfterSuccess(t *testing.T) {
	fetch := &fakeFetcher{failures: 1}

	m := New(Options{RetryAttempts: 1, RetryDelay: time.Millisecond, MaxConsecutiveErrors: 5}, []Device{testDevice()}, fetch, newTestDetector(t), nil, nil, nil, zerolog.Nop())
	m.runCycle(context.Background())
	m.runCycle(context.Background())

	stats := m.Snapshot()
	if stats.ConsecutiveErrors != 0 {
		t.Fatalf("成功后连续错误应归零: %+v", stats)
	}
	if stats.Errors != 1 {
		t.Fatalf("历史错误计数应保留: %+v", stats)
	}
	if !stats.Healthy {
		t.Fatal("成功后应恢复健康")
	}
	if stats.LastSuccess.IsZero() {
		t.Fatal("成功后应记录最近成功时间")
	}
}

func TestMonitorWritesStatusFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	fetch := &fakeFetcher{values: testValues("150.5")}

	m := New(Options{RetryDelay: time.Millisecond, StatusPath: path}, []Device{testDevice()}, fetch, newTestDetector(t), nil, nil, nil, zerolog.Nop())
	if err := m.tick(context.Background()); err != nil {
		t.Fatalf("tick 失败: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("状态文件应存在: %v", err)
	}
	var status Status
	if err := json.Unmarshal(raw, &status); err != nil {
		t.Fatalf("状态文件应为合法 JSON: %v", err)
	}
	if !status.Healthy || status.Checks != 1 {
		t.Fatalf("状态内容不正确: %+v", status)
	}
	if status.LastSuccess == nil {
		t.Fatal("成功周期后状态应包含最近成功时间")
	}
}

func TestMonitorPublishFailureIsNotFatal(t *testing.T) {
	fetch := &fakeFetcher{values: testValues("150.5")}
	store := &fakeStore{}
	pub := &fakePublisher{err: errors.New("broker down")}

	m := New(Options{RetryDelay: time.Millisecond}, []Device{testDevice()}, fetch, newTestDetector(t), store, pub, nil, zerolog.Nop())
	m.runCycle(context.Background())

	if stats := m.Snapshot(); stats.Errors != 0 || stats.Updates != 1 {
		t.Fatalf("发布失败不应影响周期结果: %+v", stats)
	}
	if len(store.measurements) != 1 {
		t.Fatalf("发布失败不应影响存储, 实际 %d", len(store.measurements))
	}
}

func TestMonitorCountersReadableDuringRun(t *testing.T) {
	fetch := &fakeFetcher{values: testValues("150.5")}

	m := New(Options{Interval: time.Millisecond, HealthInterval: time.Millisecond, RetryDelay: time.Millisecond}, []Device{testDevice()}, fetch, newTestDetector(t), nil, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// The health endpoint reads counters from its own goroutine while the
	// loop is writing them; exercised here under the race detector.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		_ = m.Healthy()
		stats := m.Snapshot()
		if stats.Errors != 0 {
			t.Fatalf("循环不应产生错误: %+v", stats)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("取消后 Run 应及时返回")
	}

	if stats := m.Snapshot(); stats.Checks < 2 {
		t.Fatalf("并发读取期间循环应持续运行, 实际 %d 次检查", stats.Checks)
	}
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	fetch := &fakeFetcher{values: testValues("150.5")}

	m := New(Options{Interval: time.Hour, RetryDelay: time.Millisecond}, []Device{testDevice()}, fetch, newTestDetector(t), nil, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("取消后 Run 应及时返回")
	}
}

package aggregate

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func float(v float64) *float64 {
	return &v
}

func integer(v int64) *int64 {
	return &v
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryUtilization(t *testing.T) {
	assert.Equal(t, 50.00, MemoryUtilization(nil, 5_000_000_000, 10_000_000_000))
	assert.Equal(t, 33.33, MemoryUtilization(nil, 1, 3))
	// 总量为0时不能除零
	assert.Equal(t, float64(0), MemoryUtilization(nil, 100, 0))
	// 上报值优先
	assert.Equal(t, 12.5, MemoryUtilization(float(12.5), 5, 10))
}

func TestIsOnline(t *testing.T) {
	window := DefaultFreshnessWindow
	latest := &Latest{Online: true, RecordedAt: now.Add(-14 * time.Minute)}
	assert.True(t, IsOnline(latest, now, window))

	latest.RecordedAt = now.Add(-15 * time.Minute)
	assert.True(t, IsOnline(latest, now, window))

	latest.RecordedAt = now.Add(-15*time.Minute - time.Second)
	assert.False(t, IsOnline(latest, now, window))

	latest = &Latest{Online: false, RecordedAt: now}
	assert.False(t, IsOnline(latest, now, window))

	assert.False(t, IsOnline(nil, now, window))
}

func TestDeviceGPUUtilization(t *testing.T) {
	accelerators := []Accelerator{
		{Utilization: float(20)},
		{Utilization: nil},
		{Utilization: float(60)},
	}
	assert.Equal(t, float64(40), *DeviceGPUUtilization(accelerators, float(99)))

	// 没有样本时回退到快照值
	assert.Equal(t, float64(99), *DeviceGPUUtilization([]Accelerator{{}}, float(99)))
	assert.Nil(t, DeviceGPUUtilization(nil, nil))
}

func TestDeviceGPUMemory(t *testing.T) {
	latest := &Latest{
		Accelerators: []Accelerator{
			{MemoryTotalBytes: 100, MemoryUsedBytes: 10},
			{MemoryTotalBytes: 200, MemoryUsedBytes: 20},
		},
	}
	total, used := DeviceGPUMemory(latest)
	assert.Equal(t, int64(300), total)
	assert.Equal(t, int64(30), used)

	latest.GpuMemoryTotalBytes = integer(1000)
	latest.GpuMemoryUsedBytes = integer(0)
	total, used = DeviceGPUMemory(latest)
	assert.Equal(t, int64(1000), total)
	assert.Equal(t, int64(30), used)

	total, used = DeviceGPUMemory(nil)
	assert.Equal(t, int64(0), total)
	assert.Equal(t, int64(0), used)
}

func TestSummarize(t *testing.T) {
	config := DefaultConfig()

	/*
		没有设备
	*/
	totals := Summarize(nil, config)
	assert.Equal(t, float64(0), totals.AverageGpuUtilization)
	assert.False(t, math.IsNaN(totals.AverageGpuUtilization))

	/*
		所有设备都没有利用率数据
	*/
	devices := []Figures{
		Device(nil, now, config),
		Device(&Latest{Online: true, RecordedAt: now}, now, config),
	}
	totals = Summarize(devices, config)
	assert.Equal(t, float64(0), totals.AverageGpuUtilization)
	assert.Equal(t, 1, totals.LiveServers)
	assert.Equal(t, 1, totals.OfflineServers)

	/*
		正常汇总
	*/
	busy := &Latest{
		Online:     true,
		RecordedAt: now.Add(-time.Minute),
		Accelerators: []Accelerator{
			{MemoryTotalBytes: 100, MemoryUsedBytes: 90, Utilization: float(80)},
			{MemoryTotalBytes: 100, MemoryUsedBytes: 5, Utilization: float(40)},
		},
	}
	stale := &Latest{
		Online:         true,
		RecordedAt:     now.Add(-time.Hour),
		GpuUtilization: float(30),
		Accelerators: []Accelerator{
			{MemoryTotalBytes: 0, MemoryUsedBytes: 0},
		},
	}
	devices = []Figures{Device(busy, now, config), Device(stale, now, config), Device(nil, now, config)}
	totals = Summarize(devices, config)
	assert.Equal(t, 1, totals.LiveServers)
	assert.Equal(t, 2, totals.OfflineServers)
	assert.Equal(t, int64(200), totals.TotalGpuMemory)
	assert.Equal(t, int64(95), totals.TotalGpuMemoryUsed)
	// (60 + 30) / 2，没有快照的设备不参与平均
	assert.Equal(t, float64(45), totals.AverageGpuUtilization)
	assert.Equal(t, 3, totals.TotalAccelerators)
	// 5%与0%的两张卡空闲
	assert.Equal(t, 2, totals.IdleAccelerators)
}

func TestIdleCount(t *testing.T) {
	assert.Equal(t, 2, IdleCount([]float64{0, 9.99, 10, 50}, 10))
	assert.Equal(t, 4, IdleCount([]float64{0, 9.99, 10, 50}, 60))
	assert.Equal(t, 0, IdleCount(nil, 10))
}

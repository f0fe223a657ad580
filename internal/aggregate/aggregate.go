package aggregate

import (
	"math"
	"time"
)

const (
	DefaultFreshnessWindow      = 15 * time.Minute
	DefaultIdleThresholdPercent = 10
)

type Config struct {
	FreshnessWindow      time.Duration // 超过此时间没有新快照的设备视为离线
	IdleThresholdPercent float64       // 显存利用率低于此值的加速卡视为空闲
}

func DefaultConfig() Config {
	return Config{
		FreshnessWindow:      DefaultFreshnessWindow,
		IdleThresholdPercent: DefaultIdleThresholdPercent,
	}
}

// Accelerator 计算所需的加速卡读数
type Accelerator struct {
	MemoryTotalBytes  int64
	MemoryUsedBytes   int64
	Utilization       *float64
	MemoryUtilization *float64
}

// Latest 设备最近一次快照中参与计算的字段
type Latest struct {
	Online              bool
	RecordedAt          time.Time
	GpuUtilization      *float64
	GpuMemoryTotalBytes *int64
	GpuMemoryUsedBytes  *int64
	Accelerators        []Accelerator
}

// Figures 单个设备的派生数据
type Figures struct {
	Online              bool
	GpuUtilization      *float64 // 没有任何利用率数据时为nil
	GpuMemoryTotalBytes int64
	GpuMemoryUsedBytes  int64
	MemoryUtilizations  []float64 // 与Accelerators一一对应
}

type FleetTotals struct {
	LiveServers           int
	OfflineServers        int
	TotalGpuMemory        int64
	TotalGpuMemoryUsed    int64
	AverageGpuUtilization float64
	TotalAccelerators     int
	IdleAccelerators      int
}

// IsOnline 快照的online为true且距now不超过window时设备在线。没有快照的设备离线
func IsOnline(latest *Latest, now time.Time, window time.Duration) bool {
	if latest == nil || !latest.Online {
		return false
	}
	return now.Sub(latest.RecordedAt) <= window
}

// MemoryUtilization 优先使用上报值，否则由显存计算，保留两位小数
func MemoryUtilization(stored *float64, usedBytes, totalBytes int64) float64 {
	if stored != nil {
		return *stored
	}
	if totalBytes <= 0 {
		return 0
	}
	return Round2(float64(usedBytes) / float64(totalBytes) * 100)
}

// DeviceGPUUtilization 各加速卡利用率的平均值。没有样本时使用快照中的汇总值
func DeviceGPUUtilization(accelerators []Accelerator, stored *float64) *float64 {
	sum := float64(0)
	count := 0
	for _, accelerator := range accelerators {
		if accelerator.Utilization != nil {
			sum += *accelerator.Utilization
			count++
		}
	}
	if count > 0 {
		avg := sum / float64(count)
		return &avg
	}
	return stored
}

// DeviceGPUMemory 快照中记录的显存汇总不为0时直接使用，否则累加各加速卡
func DeviceGPUMemory(latest *Latest) (total, used int64) {
	if latest == nil {
		return 0, 0
	}
	var accTotal, accUsed int64
	for _, accelerator := range latest.Accelerators {
		accTotal += accelerator.MemoryTotalBytes
		accUsed += accelerator.MemoryUsedBytes
	}

	total, used = accTotal, accUsed
	if latest.GpuMemoryTotalBytes != nil && *latest.GpuMemoryTotalBytes != 0 {
		total = *latest.GpuMemoryTotalBytes
	}
	if latest.GpuMemoryUsedBytes != nil && *latest.GpuMemoryUsedBytes != 0 {
		used = *latest.GpuMemoryUsedBytes
	}
	return total, used
}

// Device 计算单个设备的派生数据。latest为nil表示设备还没有任何快照
func Device(latest *Latest, now time.Time, config Config) Figures {
	figures := Figures{
		Online: IsOnline(latest, now, config.FreshnessWindow),
	}
	if latest == nil {
		return figures
	}

	figures.GpuUtilization = DeviceGPUUtilization(latest.Accelerators, latest.GpuUtilization)
	figures.GpuMemoryTotalBytes, figures.GpuMemoryUsedBytes = DeviceGPUMemory(latest)
	figures.MemoryUtilizations = make([]float64, len(latest.Accelerators))
	for i, accelerator := range latest.Accelerators {
		figures.MemoryUtilizations[i] = MemoryUtilization(accelerator.MemoryUtilization,
			accelerator.MemoryUsedBytes, accelerator.MemoryTotalBytes)
	}
	return figures
}

// IdleCount 显存利用率低于阈值的加速卡数量
func IdleCount(memoryUtilizations []float64, thresholdPercent float64) int {
	count := 0
	for _, percent := range memoryUtilizations {
		if percent < thresholdPercent {
			count++
		}
	}
	return count
}

// Summarize 汇总所有设备。平均GPU利用率只统计有数值的设备，没有时为0
func Summarize(devices []Figures, config Config) FleetTotals {
	totals := FleetTotals{}
	utilSum := float64(0)
	utilSamples := 0

	for _, device := range devices {
		if device.Online {
			totals.LiveServers++
		} else {
			totals.OfflineServers++
		}
		totals.TotalGpuMemory += device.GpuMemoryTotalBytes
		totals.TotalGpuMemoryUsed += device.GpuMemoryUsedBytes
		if device.GpuUtilization != nil {
			utilSum += *device.GpuUtilization
			utilSamples++
		}
		totals.TotalAccelerators += len(device.MemoryUtilizations)
		totals.IdleAccelerators += IdleCount(device.MemoryUtilizations, config.IdleThresholdPercent)
	}

	if utilSamples > 0 {
		totals.AverageGpuUtilization = utilSum / float64(utilSamples)
	}
	return totals
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

package server

import (
	"context"
	"fmt"
	"time"
)

var ErrDeviceNotFound = fmt.Errorf("不存在本设备")

// Host 设备的静态信息。容量优先取最近一次快照中的值
type Host struct {
	Platform        string   `json:"Platform"`
	PlatformVersion string   `json:"PlatformVersion"`
	CPU             []string `json:"CPU"`
	MemTotal        int64    `json:"MemTotal"`
	DiskTotal       int64    `json:"DiskTotal"`
	SwapTotal       int64    `json:"SwapTotal"`
	Arch            string   `json:"Arch"`
	Virtualization  string   `json:"Virtualization"`
	BootTime        int64    `json:"BootTime"` // Unix秒
	CountryCode     string   `json:"CountryCode"`
	Version         string   `json:"Version"`
	GPU             []string `json:"GPU"`
}

type AcceleratorProcess struct {
	Pid         *int64 `json:"pid,omitempty"`
	Name        string `json:"name"`
	User        string `json:"user,omitempty"`
	MemoryBytes *int64 `json:"memoryBytes,omitempty"`
}

type AcceleratorStatus struct {
	Slot              int                   `json:"slot"`
	Kind              string                `json:"kind"`
	Name              string                `json:"name"`
	Vendor            string                `json:"vendor,omitempty"`
	BusId             string                `json:"busId,omitempty"`
	MemoryTotalBytes  int64                 `json:"memoryTotalBytes"`
	MemoryUsedBytes   int64                 `json:"memoryUsedBytes"`
	Utilization       *float64              `json:"utilization,omitempty"`
	MemoryUtilization float64               `json:"memoryUtilization"`
	TemperatureC      *float64              `json:"temperatureC,omitempty"`
	PowerWatts        *float64              `json:"powerWatts,omitempty"`
	Processes         []*AcceleratorProcess `json:"processes"`
	HardwareId        uint                  `json:"hardwareId,omitempty"`
}

// Status 最近一次快照的指标。设备没有快照时全部为0
type Status struct {
	CPU                 float64              `json:"CPU"`
	MemUsed             int64                `json:"MemUsed"`
	SwapUsed            int64                `json:"SwapUsed"`
	DiskUsed            int64                `json:"DiskUsed"`
	NetInTransfer       int64                `json:"NetInTransfer"`
	NetOutTransfer      int64                `json:"NetOutTransfer"`
	NetInSpeed          float64              `json:"NetInSpeed"`
	NetOutSpeed         float64              `json:"NetOutSpeed"`
	Uptime              int64                `json:"Uptime"`
	Load1               float64              `json:"Load1"`
	Load5               float64              `json:"Load5"`
	Load15              float64              `json:"Load15"`
	TcpConnCount        int64                `json:"TcpConnCount"`
	UdpConnCount        int64                `json:"UdpConnCount"`
	ProcessCount        int64                `json:"ProcessCount"`
	Temperatures        float64              `json:"Temperatures"`
	PowerWatts          float64              `json:"PowerWatts"`
	GPU                 float64              `json:"GPU"`
	Accelerators        []*AcceleratorStatus `json:"Accelerators"`
	GpuMemoryTotalBytes int64                `json:"GpuMemoryTotalBytes"`
	GpuMemoryUsedBytes  int64                `json:"GpuMemoryUsedBytes"`
}

type ServerInfo struct {
	ID           uint   `json:"id"`
	Name         string `json:"name"`
	Tag          string `json:"tag"`
	LastActive   int64  `json:"last_active"`
	OnlineStatus bool   `json:"online_status"`
	IPv4         string `json:"ipv4,omitempty"`
	IPv6         string `json:"ipv6,omitempty"`
	ValidIP      string `json:"valid_ip,omitempty"`
	DisplayIndex int    `json:"display_index"`
	HideForGuest bool   `json:"hide_for_guest"`
	Host         Host   `json:"host"`
	Status       Status `json:"status"`
}

// FleetData 整个集群的设备列表以及汇总数据。列表中不包含IP信息
type FleetData struct {
	LiveServers           int           `json:"live_servers"`
	OfflineServers        int           `json:"offline_servers"`
	TotalOutBandwidth     int64         `json:"total_out_bandwidth"`
	TotalInBandwidth      int64         `json:"total_in_bandwidth"`
	TotalOutSpeed         float64       `json:"total_out_speed"`
	TotalInSpeed          float64       `json:"total_in_speed"`
	TotalGpuMemory        int64         `json:"total_gpu_memory"`
	TotalGpuMemoryUsed    int64         `json:"total_gpu_memory_used"`
	AverageGpuUtilization float64       `json:"average_gpu_utilization"`
	TotalAccelerators     int           `json:"total_accelerators"`
	IdleAccelerators      int           `json:"idle_accelerators"`
	Result                []*ServerInfo `json:"result"`
}

type MonitorPoint struct {
	RecordedAt          time.Time `json:"recordedAt"`
	GpuUtilization      float64   `json:"gpuUtilization"`
	GpuMemoryUsedBytes  int64     `json:"gpuMemoryUsedBytes"`
	GpuMemoryTotalBytes int64     `json:"gpuMemoryTotalBytes"`
	PowerWatts          *float64  `json:"powerWatts,omitempty"`
}

type Capabilities struct {
	SupportsMonitoring     bool `json:"supportsMonitoring"`
	SupportsRealTimeData   bool `json:"supportsRealTimeData"`
	SupportsHistoricalData bool `json:"supportsHistoricalData"`
	SupportsIpInfo         bool `json:"supportsIpInfo"`
	SupportsPacketLoss     bool `json:"supportsPacketLoss"`
	SupportsAlerts         bool `json:"supportsAlerts"`
}

type DriverInfo struct {
	Name             string       `json:"name"`
	Capabilities     Capabilities `json:"capabilities"`
	AvailableDrivers []string     `json:"availableDrivers"`
	TotalDevices     int64        `json:"totalDevices"`
}

type API interface {
	GetServerData(ctx context.Context) (*FleetData, error)

	// 设备不存在时返回ErrDeviceNotFound
	GetServerDetail(ctx context.Context, id uint) (*ServerInfo, error)

	// limit不大于0时使用默认值。结果按时间从旧到新排列
	GetServerMonitor(ctx context.Context, id uint, limit int) ([]*MonitorPoint, error)

	// 找不到设备或查询失败时返回空字符串
	GetServerIP(ctx context.Context, id uint) string

	GetDriverInfo(ctx context.Context) (*DriverInfo, error)

	PerformHealthCheck(ctx context.Context) bool
}

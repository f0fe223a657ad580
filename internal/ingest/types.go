package ingest

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindGPU = Kind("GPU")
	KindNPU = Kind("NPU")
)

// ValidationError 上报数据不合法。Field为出错字段的路径，例如accelerators[0].name
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type Device struct {
	Slug            string
	Name            string
	Tag             *string
	Location        *string
	Rack            *string
	IPAddress       *string
	DisplayIndex    int
	Platform        *string
	PlatformVersion *string
	Arch            *string
	Virtualization  *string
	Version         *string
	CountryCode     *string
	BootTime        *time.Time
	CpuInfo         []string
	AcceleratorInfo []string // 上报中声明的加速卡，不包含accelerators中的名称
}

type Capacity struct {
	TotalBytes *int64
	UsedBytes  *int64
}

type Snapshot struct {
	RecordedAt          time.Time
	UptimeSeconds       *int64
	Online              bool
	CpuUsage            *float64
	Memory              Capacity
	Disk                Capacity
	Swap                Capacity
	NetInTransferBytes  *int64
	NetOutTransferBytes *int64
	NetInSpeedBytes     *float64
	NetOutSpeedBytes    *float64
	Load1               *float64
	Load5               *float64
	Load15              *float64
	TcpConnections      *int64
	UdpConnections      *int64
	ProcessCount        *int64
	GpuUtilization      *float64
	GpuMemoryTotalBytes *int64
	GpuMemoryUsedBytes  *int64
	TemperatureC        *float64
	PowerWatts          *float64
}

type Process struct {
	Pid         *int64
	Name        string
	Username    *string
	MemoryBytes *int64
}

type Accelerator struct {
	Slot              int
	Kind              Kind
	Name              string
	Vendor            *string
	BusId             *string
	MemoryTotalBytes  int64
	MemoryUsedBytes   int64
	Utilization       *float64
	MemoryUtilization *float64
	TemperatureC      *float64
	PowerWatts        *float64
	Processes         []*Process
}

// Payload 经过校验与单位换算后的一次上报
type Payload struct {
	Device       Device
	Snapshot     Snapshot
	Accelerators []*Accelerator
	UserNames    []string // 所有进程中出现过的用户名，已去重
}

// AcceleratorInfo 声明的加速卡列表与本次上报中加速卡名称的并集
func (p *Payload) AcceleratorInfo() []string {
	names := make([]string, 0, len(p.Device.AcceleratorInfo)+len(p.Accelerators))
	names = append(names, p.Device.AcceleratorInfo...)
	for _, accelerator := range p.Accelerators {
		names = append(names, accelerator.Name)
	}
	return normalizeStrings(names)
}

package server

import (
	"time"

	"gorm.io/gorm"
)

type DeviceDO struct {
	gorm.Model
	Slug            string `gorm:"uniqueIndex;type:VARCHAR(191);not null"`
	Name            string `gorm:"type:VARCHAR(256);not null"`
	Tag             *string
	Location        *string
	Rack            *string
	IPAddress       *string `gorm:"column:ip_address"`
	DisplayIndex    int     `gorm:"not null;default:0;index"`
	Platform        *string
	PlatformVersion *string
	Arch            *string
	CpuInfo         []string `gorm:"serializer:json"`
	AcceleratorInfo []string `gorm:"serializer:json"`
	Virtualization  *string
	Version         *string
	BootTime        *time.Time
	CountryCode     *string
	MemTotalBytes   *int64
	DiskTotalBytes  *int64
	SwapTotalBytes  *int64
}

func (DeviceDO) TableName() string {
	return "devices"
}

// DeviceSnapshotDO 只插入，不更新
type DeviceSnapshotDO struct {
	ID                  uint `gorm:"primarykey"`
	CreatedAt           time.Time
	DeviceID            uint      `gorm:"not null;index:idx_device_recorded,priority:1"`
	RecordedAt          time.Time `gorm:"not null;index:idx_device_recorded,priority:2"`
	UptimeSeconds       *int64
	Online              bool `gorm:"not null"`
	CpuUsage            *float64
	MemUsedBytes        *int64
	MemTotalBytes       *int64
	DiskUsedBytes       *int64
	DiskTotalBytes      *int64
	SwapUsedBytes       *int64
	SwapTotalBytes      *int64
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

	Accelerators []*AcceleratorSnapshotDO `gorm:"foreignKey:SnapshotID"`
}

func (DeviceSnapshotDO) TableName() string {
	return "device_snapshots"
}

type AcceleratorDeviceDO struct {
	gorm.Model
	DeviceID uint   `gorm:"not null;uniqueIndex:idx_device_slot"`
	Slot     int    `gorm:"not null;uniqueIndex:idx_device_slot"`
	Name     string `gorm:"type:VARCHAR(256);not null"`
	Vendor   *string
	BusId    *string
}

func (AcceleratorDeviceDO) TableName() string {
	return "accelerator_devices"
}

type AcceleratorSnapshotDO struct {
	ID                  uint `gorm:"primarykey"`
	CreatedAt           time.Time
	SnapshotID          uint `gorm:"not null;index"`
	AcceleratorDeviceID *uint
	Slot                int    `gorm:"not null"`
	Kind                string `gorm:"type:VARCHAR(8);not null"`
	Name                string `gorm:"type:VARCHAR(256);not null"`
	Vendor              *string
	BusId               *string
	MemoryTotalBytes    int64 `gorm:"not null"`
	MemoryUsedBytes     int64 `gorm:"not null"`
	Utilization         *float64
	MemoryUtilization   *float64
	TemperatureC        *float64
	PowerWatts          *float64

	AcceleratorDevice *AcceleratorDeviceDO    `gorm:"foreignKey:AcceleratorDeviceID"`
	Processes         []*AcceleratorProcessDO `gorm:"foreignKey:AcceleratorSnapshotID"`
}

func (AcceleratorSnapshotDO) TableName() string {
	return "accelerator_snapshots"
}

type AcceleratorProcessDO struct {
	ID                    uint `gorm:"primarykey"`
	AcceleratorSnapshotID uint `gorm:"not null;index"`
	Pid                   *int64
	Name                  string `gorm:"type:VARCHAR(512);not null"`
	User                  *string
	MemoryBytes           *int64
	LabUserID             *uint `gorm:"index"`

	LabUser *LabUserDO `gorm:"foreignKey:LabUserID"`
}

func (AcceleratorProcessDO) TableName() string {
	return "accelerator_processes"
}

type LabUserDO struct {
	gorm.Model
	Username string `gorm:"uniqueIndex;type:VARCHAR(191);not null"`
}

func (LabUserDO) TableName() string {
	return "lab_users"
}

var allDOs = []interface{}{
	&DeviceDO{},
	&DeviceSnapshotDO{},
	&AcceleratorDeviceDO{},
	&AcceleratorSnapshotDO{},
	&AcceleratorProcessDO{},
	&LabUserDO{},
}

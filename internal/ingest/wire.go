package ingest

import "encoding/json"

// 以下为上报请求的原始JSON结构。字节类字段既可能是数字也可能是字符串，所以保留原始值

type rawRequest struct {
	Device       json.RawMessage `json:"device"`
	Snapshot     json.RawMessage `json:"snapshot"`
	Accelerators json.RawMessage `json:"accelerators"`
}

type rawDevice struct {
	Slug            *string       `json:"slug"`
	Name            *string       `json:"name"`
	Tag             *string       `json:"tag"`
	Location        *string       `json:"location"`
	Rack            *string       `json:"rack"`
	IPAddress       *string       `json:"ipAddress"`
	DisplayIndex    *int          `json:"displayIndex"`
	Platform        *string       `json:"platform"`
	PlatformVersion *string       `json:"platformVersion"`
	Arch            *string       `json:"arch"`
	CpuInfo         []interface{} `json:"cpuInfo"`
	AcceleratorInfo []interface{} `json:"acceleratorInfo"`
	Virtualization  *string       `json:"virtualization"`
	Version         *string       `json:"version"`
	BootTime        *string       `json:"bootTime"`
	CountryCode     *string       `json:"countryCode"`
}

type rawCapacity struct {
	TotalBytes json.RawMessage `json:"totalBytes"`
	UsedBytes  json.RawMessage `json:"usedBytes"`
}

type rawNetwork struct {
	InTransferBytes  json.RawMessage `json:"inTransferBytes"`
	OutTransferBytes json.RawMessage `json:"outTransferBytes"`
	InSpeedBytes     *float64        `json:"inSpeedBytes"`
	OutSpeedBytes    *float64        `json:"outSpeedBytes"`
}

type rawLoad struct {
	Load1  *float64 `json:"load1"`
	Load5  *float64 `json:"load5"`
	Load15 *float64 `json:"load15"`
}

type rawConnections struct {
	Tcp *int64 `json:"tcp"`
	Udp *int64 `json:"udp"`
}

type rawGpu struct {
	Utilization      *float64        `json:"utilization"`
	MemoryTotalBytes json.RawMessage `json:"memoryTotalBytes"`
	MemoryUsedBytes  json.RawMessage `json:"memoryUsedBytes"`
}

type rawSnapshot struct {
	RecordedAt    *string         `json:"recordedAt"`
	UptimeSeconds json.RawMessage `json:"uptimeSeconds"`
	Online        *bool           `json:"online"`
	CpuUsage      *float64        `json:"cpuUsage"`
	Memory        rawCapacity     `json:"memory"`
	Disk          rawCapacity     `json:"disk"`
	Swap          rawCapacity     `json:"swap"`
	Network       rawNetwork      `json:"network"`
	Load          rawLoad         `json:"load"`
	Connections   rawConnections  `json:"connections"`
	ProcessCount  *int64          `json:"processCount"`
	Gpu           rawGpu          `json:"gpu"`
	TemperatureC  *float64        `json:"temperatureC"`
	PowerWatts    *float64        `json:"powerWatts"`
}

type rawProcess struct {
	Pid         *int64          `json:"pid"`
	Name        *string         `json:"name"`
	User        *string         `json:"user"`
	MemoryBytes json.RawMessage `json:"memoryBytes"`
}

type rawAccelerator struct {
	Slot              *int            `json:"slot"`
	Kind              *string         `json:"kind"`
	Name              *string         `json:"name"`
	Vendor            *string         `json:"vendor"`
	BusId             *string         `json:"busId"`
	MemoryTotalBytes  json.RawMessage `json:"memoryTotalBytes"`
	MemoryUsedBytes   json.RawMessage `json:"memoryUsedBytes"`
	Utilization       *float64        `json:"utilization"`
	MemoryUtilization *float64        `json:"memoryUtilization"`
	TemperatureC      *float64        `json:"temperatureC"`
	PowerWatts        *float64        `json:"powerWatts"`
	Processes         []rawProcess    `json:"processes"`
}

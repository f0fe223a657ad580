package server

import (
	"context"
	"time"

	"github.com/packagewjx/gpu-fleet-monitor/internal/aggregate"
	"github.com/packagewjx/gpu-fleet-monitor/pkg/server"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var _ server.API = &serverImpl{}

var availableDrivers = []string{DriverMysql, DriverPostgres, DriverSqlite}

func (s *serverImpl) GetServerData(ctx context.Context) (*server.FleetData, error) {
	devices, err := s.dao.QueryDevices(ctx)
	if err != nil {
		s.logger.Error("查询设备列表失败", zap.Error(err))
		return nil, err
	}

	now := s.now()
	result := &server.FleetData{
		Result: make([]*server.ServerInfo, 0, len(devices)),
	}
	deviceIds := make([]uint, len(devices))
	for i, device := range devices {
		deviceIds[i] = device.ID
	}
	snapshots, err := s.dao.QueryLatestSnapshots(ctx, deviceIds)
	if err != nil {
		s.logger.Error("查询设备最新快照失败", zap.Int("devices", len(deviceIds)), zap.Error(err))
		return nil, err
	}

	figures := make([]aggregate.Figures, 0, len(devices))
	for _, device := range devices {
		info, deviceFigures := s.serverInfo(device, snapshots[device.ID], now)
		// 列表中不返回IP
		info.IPv4, info.IPv6, info.ValidIP = "", "", ""
		result.Result = append(result.Result, info)
		figures = append(figures, deviceFigures)
	}

	totals := aggregate.Summarize(figures, s.config.aggregateConfig())
	result.LiveServers = totals.LiveServers
	result.OfflineServers = totals.OfflineServers
	result.TotalGpuMemory = totals.TotalGpuMemory
	result.TotalGpuMemoryUsed = totals.TotalGpuMemoryUsed
	result.AverageGpuUtilization = totals.AverageGpuUtilization
	result.TotalAccelerators = totals.TotalAccelerators
	result.IdleAccelerators = totals.IdleAccelerators
	return result, nil
}

func (s *serverImpl) GetServerDetail(ctx context.Context, id uint) (*server.ServerInfo, error) {
	device, err := s.dao.QueryDeviceById(ctx, id)
	if errors.Cause(err) == server.ErrDeviceNotFound {
		return nil, server.ErrDeviceNotFound
	} else if err != nil {
		s.logger.Error("查询设备失败", zap.Uint("deviceId", id), zap.Error(err))
		return nil, err
	}

	snapshot, err := s.dao.QueryLatestSnapshot(ctx, device.ID)
	if err != nil {
		s.logger.Error("查询设备最新快照失败", zap.Uint("deviceId", id), zap.Error(err))
		return nil, err
	}

	info, _ := s.serverInfo(device, snapshot, s.now())
	return info, nil
}

func (s *serverImpl) GetServerMonitor(ctx context.Context, id uint, limit int) ([]*server.MonitorPoint, error) {
	if limit <= 0 {
		limit = s.config.MonitorLimit
	}
	snapshots, err := s.dao.QuerySnapshotHistory(ctx, id, limit)
	if err != nil {
		s.logger.Error("查询设备历史快照失败", zap.Uint("deviceId", id), zap.Error(err))
		return nil, err
	}

	// 查询结果从新到旧，返回时从旧到新
	points := make([]*server.MonitorPoint, len(snapshots))
	for i, snapshot := range snapshots {
		points[len(snapshots)-1-i] = &server.MonitorPoint{
			RecordedAt:          snapshot.RecordedAt.UTC(),
			GpuUtilization:      floatOrZero(snapshot.GpuUtilization),
			GpuMemoryUsedBytes:  intOrZero(snapshot.GpuMemoryUsedBytes),
			GpuMemoryTotalBytes: intOrZero(snapshot.GpuMemoryTotalBytes),
			PowerWatts:          snapshot.PowerWatts,
		}
	}
	return points, nil
}

func (s *serverImpl) GetServerIP(ctx context.Context, id uint) string {
	device, err := s.dao.QueryDeviceById(ctx, id)
	if err != nil {
		if errors.Cause(err) != server.ErrDeviceNotFound {
			s.logger.Warn("查询设备IP失败", zap.Uint("deviceId", id), zap.Error(err))
		}
		return ""
	}
	return stringOrEmpty(device.IPAddress)
}

func (s *serverImpl) GetDriverInfo(ctx context.Context) (*server.DriverInfo, error) {
	count, err := s.dao.CountDevices(ctx)
	if err != nil {
		s.logger.Error("统计设备数量失败", zap.Error(err))
		return nil, err
	}
	return &server.DriverInfo{
		Name: s.dao.Driver(),
		Capabilities: server.Capabilities{
			SupportsMonitoring:     true,
			SupportsRealTimeData:   true,
			SupportsHistoricalData: true,
			SupportsIpInfo:         true,
		},
		AvailableDrivers: availableDrivers,
		TotalDevices:     count,
	}, nil
}

func (s *serverImpl) PerformHealthCheck(ctx context.Context) bool {
	if _, err := s.dao.CountDevices(ctx); err != nil {
		s.logger.Error("健康检查失败", zap.Error(err))
		return false
	}
	return true
}

// 由设备与最新快照构造展示数据，同时返回参与汇总的派生数据。snapshot为nil表示没有快照
func (s *serverImpl) serverInfo(device *DeviceDO, snapshot *DeviceSnapshotDO, now time.Time) (*server.ServerInfo, aggregate.Figures) {
	latest := latestOf(snapshot)
	figures := aggregate.Device(latest, now, s.config.aggregateConfig())

	info := &server.ServerInfo{
		ID:           device.ID,
		Name:         device.Name,
		Tag:          stringOrEmpty(device.Tag),
		OnlineStatus: figures.Online,
		IPv4:         stringOrEmpty(device.IPAddress),
		ValidIP:      stringOrEmpty(device.IPAddress),
		DisplayIndex: device.DisplayIndex,
		Host:         hostOf(device, snapshot),
		Status: server.Status{
			Accelerators: make([]*server.AcceleratorStatus, 0),
		},
	}
	if snapshot == nil {
		return info, figures
	}

	info.LastActive = snapshot.RecordedAt.Unix()
	info.Status = server.Status{
		CPU:                 floatOrZero(snapshot.CpuUsage),
		MemUsed:             intOrZero(snapshot.MemUsedBytes),
		SwapUsed:            intOrZero(snapshot.SwapUsedBytes),
		DiskUsed:            intOrZero(snapshot.DiskUsedBytes),
		NetInTransfer:       intOrZero(snapshot.NetInTransferBytes),
		NetOutTransfer:      intOrZero(snapshot.NetOutTransferBytes),
		NetInSpeed:          floatOrZero(snapshot.NetInSpeedBytes),
		NetOutSpeed:         floatOrZero(snapshot.NetOutSpeedBytes),
		Uptime:              intOrZero(snapshot.UptimeSeconds),
		Load1:               floatOrZero(snapshot.Load1),
		Load5:               floatOrZero(snapshot.Load5),
		Load15:              floatOrZero(snapshot.Load15),
		TcpConnCount:        intOrZero(snapshot.TcpConnections),
		UdpConnCount:        intOrZero(snapshot.UdpConnections),
		ProcessCount:        intOrZero(snapshot.ProcessCount),
		Temperatures:        floatOrZero(snapshot.TemperatureC),
		PowerWatts:          floatOrZero(snapshot.PowerWatts),
		GPU:                 floatOrZero(figures.GpuUtilization),
		Accelerators:        make([]*server.AcceleratorStatus, len(snapshot.Accelerators)),
		GpuMemoryTotalBytes: figures.GpuMemoryTotalBytes,
		GpuMemoryUsedBytes:  figures.GpuMemoryUsedBytes,
	}
	for i, accelerator := range snapshot.Accelerators {
		info.Status.Accelerators[i] = acceleratorStatusOf(accelerator, figures.MemoryUtilizations[i])
	}
	return info, figures
}

func latestOf(snapshot *DeviceSnapshotDO) *aggregate.Latest {
	if snapshot == nil {
		return nil
	}
	latest := &aggregate.Latest{
		Online:              snapshot.Online,
		RecordedAt:          snapshot.RecordedAt,
		GpuUtilization:      snapshot.GpuUtilization,
		GpuMemoryTotalBytes: snapshot.GpuMemoryTotalBytes,
		GpuMemoryUsedBytes:  snapshot.GpuMemoryUsedBytes,
		Accelerators:        make([]aggregate.Accelerator, len(snapshot.Accelerators)),
	}
	for i, accelerator := range snapshot.Accelerators {
		latest.Accelerators[i] = aggregate.Accelerator{
			MemoryTotalBytes:  accelerator.MemoryTotalBytes,
			MemoryUsedBytes:   accelerator.MemoryUsedBytes,
			Utilization:       accelerator.Utilization,
			MemoryUtilization: accelerator.MemoryUtilization,
		}
	}
	return latest
}

// 容量优先使用快照中的值
func hostOf(device *DeviceDO, snapshot *DeviceSnapshotDO) server.Host {
	memTotal, diskTotal, swapTotal := device.MemTotalBytes, device.DiskTotalBytes, device.SwapTotalBytes
	if snapshot != nil {
		memTotal = firstInt64(snapshot.MemTotalBytes, memTotal)
		diskTotal = firstInt64(snapshot.DiskTotalBytes, diskTotal)
		swapTotal = firstInt64(snapshot.SwapTotalBytes, swapTotal)
	}

	host := server.Host{
		Platform:        stringOrEmpty(device.Platform),
		PlatformVersion: stringOrEmpty(device.PlatformVersion),
		CPU:             device.CpuInfo,
		MemTotal:        intOrZero(memTotal),
		DiskTotal:       intOrZero(diskTotal),
		SwapTotal:       intOrZero(swapTotal),
		Arch:            stringOrEmpty(device.Arch),
		Virtualization:  stringOrEmpty(device.Virtualization),
		CountryCode:     stringOrEmpty(device.CountryCode),
		Version:         stringOrEmpty(device.Version),
		GPU:             device.AcceleratorInfo,
	}
	if host.CPU == nil {
		host.CPU = []string{}
	}
	if host.GPU == nil {
		host.GPU = []string{}
	}
	if device.BootTime != nil {
		host.BootTime = device.BootTime.Unix()
	}
	return host
}

func acceleratorStatusOf(a *AcceleratorSnapshotDO, memoryUtilization float64) *server.AcceleratorStatus {
	status := &server.AcceleratorStatus{
		Slot:              a.Slot,
		Kind:              a.Kind,
		Name:              a.Name,
		Vendor:            stringOrEmpty(a.Vendor),
		BusId:             stringOrEmpty(a.BusId),
		MemoryTotalBytes:  a.MemoryTotalBytes,
		MemoryUsedBytes:   a.MemoryUsedBytes,
		Utilization:       a.Utilization,
		MemoryUtilization: memoryUtilization,
		TemperatureC:      a.TemperatureC,
		PowerWatts:        a.PowerWatts,
		Processes:         make([]*server.AcceleratorProcess, len(a.Processes)),
	}
	if a.AcceleratorDeviceID != nil {
		status.HardwareId = *a.AcceleratorDeviceID
	}
	for i, process := range a.Processes {
		// 优先使用关联的LabUser
		user := stringOrEmpty(process.User)
		if process.LabUser != nil {
			user = process.LabUser.Username
		}
		status.Processes[i] = &server.AcceleratorProcess{
			Pid:         process.Pid,
			Name:        process.Name,
			User:        user,
			MemoryBytes: process.MemoryBytes,
		}
	}
	return status
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func floatOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

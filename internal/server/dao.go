package server

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/packagewjx/gpu-fleet-monitor/internal/ingest"
	"github.com/packagewjx/gpu-fleet-monitor/pkg/logutil"
	"github.com/packagewjx/gpu-fleet-monitor/pkg/server"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverMysql    = "mysql"
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite"
)

type UpdateDao interface {
	// 在一个事务中保存一次上报，任一步骤失败则全部回滚
	RecordSnapshot(ctx context.Context, payload *ingest.Payload) error
}

type QueryDao interface {
	// 按display_index降序、名称升序返回所有设备
	QueryDevices(ctx context.Context) ([]*DeviceDO, error)
	// 设备不存在时返回server.ErrDeviceNotFound
	QueryDeviceById(ctx context.Context, id uint) (*DeviceDO, error)
	// 设备最近的一次快照，包含加速卡与进程。没有快照时返回nil
	QueryLatestSnapshot(ctx context.Context, deviceId uint) (*DeviceSnapshotDO, error)
	// 一次查询多台设备各自最近的快照，键为设备ID，没有快照的设备不在结果中
	QueryLatestSnapshots(ctx context.Context, deviceIds []uint) (map[uint]*DeviceSnapshotDO, error)
	// 最近limit条快照，按时间倒序，只包含GPU相关字段
	QuerySnapshotHistory(ctx context.Context, deviceId uint, limit int) ([]*DeviceSnapshotDO, error)
	CountDevices(ctx context.Context) (int64, error)
}

type Dao interface {
	DB() *gorm.DB
	Driver() string
	UpdateDao
	QueryDao
}

type daoImpl struct {
	db     *gorm.DB
	driver string
	logger *zap.Logger
}

var _ Dao = &daoImpl{}

func NewDao(driver, dsn string, logger *zap.Logger) (Dao, error) {
	dialector, err := openDialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	return newDao(driver, dialector, true, logger)
}

func openDialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverMysql:
		return mysql.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	case DriverSqlite:
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("不支持的数据库类型%s，可选%s、%s、%s", driver, DriverMysql, DriverPostgres, DriverSqlite)
	}
}

func newDao(driver string, dialector gorm.Dialector, migrate bool, logger *zap.Logger) (Dao, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logutil.GormLogger(logger),
	})
	if err != nil {
		return nil, errors.Wrap(err, "连接数据库错误")
	}

	if driver == DriverSqlite {
		// sqlite只允许一个写入者，内存数据库每个连接都是独立的库
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "获取数据库连接池出错")
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if migrate {
		// 创建表格等
		err = db.AutoMigrate(allDOs...)
		if err != nil {
			return nil, errors.Wrap(err, "创建表格时出现异常")
		}
	}

	return &daoImpl{
		db:     db,
		driver: driver,
		logger: logger.Named("dao"),
	}, nil
}

func (d *daoImpl) RecordSnapshot(ctx context.Context, payload *ingest.Payload) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		device, err := upsertDevice(tx, payload)
		if err != nil {
			return err
		}

		snapshot := newSnapshotDO(device, &payload.Snapshot)
		if err = tx.Create(snapshot).Error; err != nil {
			return errors.Wrap(err, fmt.Sprintf("保存DeviceSnapshot出错，设备为%s", device.Slug))
		}

		userIds, err := upsertLabUsers(tx, payload.UserNames)
		if err != nil {
			return err
		}

		for _, accelerator := range payload.Accelerators {
			hardware, err := upsertAcceleratorDevice(tx, device.ID, accelerator)
			if err != nil {
				return err
			}
			do := newAcceleratorSnapshotDO(snapshot.ID, hardware.ID, accelerator, userIds)
			if err = tx.Create(do).Error; err != nil {
				return errors.Wrap(err, fmt.Sprintf("保存AcceleratorSnapshot出错，设备为%s，插槽为%d", device.Slug, accelerator.Slot))
			}
		}

		d.logger.Debug("保存设备快照",
			zap.String("slug", device.Slug),
			zap.Uint("snapshotId", snapshot.ID),
			zap.Int("accelerators", len(payload.Accelerators)))
		return nil
	})
}

// 快照中没有上报的容量总量使用设备已保存的总量
func newSnapshotDO(device *DeviceDO, s *ingest.Snapshot) *DeviceSnapshotDO {
	return &DeviceSnapshotDO{
		DeviceID:            device.ID,
		RecordedAt:          s.RecordedAt.UTC(),
		UptimeSeconds:       s.UptimeSeconds,
		Online:              s.Online,
		CpuUsage:            s.CpuUsage,
		MemUsedBytes:        s.Memory.UsedBytes,
		MemTotalBytes:       firstInt64(s.Memory.TotalBytes, device.MemTotalBytes),
		DiskUsedBytes:       s.Disk.UsedBytes,
		DiskTotalBytes:      firstInt64(s.Disk.TotalBytes, device.DiskTotalBytes),
		SwapUsedBytes:       s.Swap.UsedBytes,
		SwapTotalBytes:      firstInt64(s.Swap.TotalBytes, device.SwapTotalBytes),
		NetInTransferBytes:  s.NetInTransferBytes,
		NetOutTransferBytes: s.NetOutTransferBytes,
		NetInSpeedBytes:     s.NetInSpeedBytes,
		NetOutSpeedBytes:    s.NetOutSpeedBytes,
		Load1:               s.Load1,
		Load5:               s.Load5,
		Load15:              s.Load15,
		TcpConnections:      s.TcpConnections,
		UdpConnections:      s.UdpConnections,
		ProcessCount:        s.ProcessCount,
		GpuUtilization:      s.GpuUtilization,
		GpuMemoryTotalBytes: s.GpuMemoryTotalBytes,
		GpuMemoryUsedBytes:  s.GpuMemoryUsedBytes,
		TemperatureC:        s.TemperatureC,
		PowerWatts:          s.PowerWatts,
	}
}

func newAcceleratorSnapshotDO(snapshotId, hardwareId uint, a *ingest.Accelerator, userIds map[string]uint) *AcceleratorSnapshotDO {
	processes := make([]*AcceleratorProcessDO, len(a.Processes))
	for i, process := range a.Processes {
		processes[i] = &AcceleratorProcessDO{
			Pid:         process.Pid,
			Name:        process.Name,
			User:        process.Username,
			MemoryBytes: process.MemoryBytes,
		}
		if process.Username != nil {
			if id, ok := userIds[*process.Username]; ok {
				processes[i].LabUserID = &id
			}
		}
	}

	return &AcceleratorSnapshotDO{
		SnapshotID:          snapshotId,
		AcceleratorDeviceID: &hardwareId,
		Slot:                a.Slot,
		Kind:                string(a.Kind),
		Name:                a.Name,
		Vendor:              a.Vendor,
		BusId:               a.BusId,
		MemoryTotalBytes:    a.MemoryTotalBytes,
		MemoryUsedBytes:     a.MemoryUsedBytes,
		Utilization:         a.Utilization,
		MemoryUtilization:   a.MemoryUtilization,
		TemperatureC:        a.TemperatureC,
		PowerWatts:          a.PowerWatts,
		Processes:           processes,
	}
}

func (d *daoImpl) QueryDevices(ctx context.Context) ([]*DeviceDO, error) {
	devices := make([]*DeviceDO, 0)
	err := d.db.WithContext(ctx).Order("display_index desc").Order("name asc").Find(&devices).Error
	if err != nil {
		return nil, errors.Wrap(err, "查询设备列表出错")
	}
	return devices, nil
}

func (d *daoImpl) QueryDeviceById(ctx context.Context, id uint) (*DeviceDO, error) {
	device := &DeviceDO{}
	err := d.db.WithContext(ctx).Take(device, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, server.ErrDeviceNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("查询设备出错，ID为%d", id))
	}
	return device, nil
}

func preloadAccelerators(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Accelerators", func(db *gorm.DB) *gorm.DB {
			return db.Order("slot asc")
		}).
		Preload("Accelerators.Processes", func(db *gorm.DB) *gorm.DB {
			return db.Order("id asc")
		}).
		Preload("Accelerators.Processes.LabUser")
}

func (d *daoImpl) QueryLatestSnapshot(ctx context.Context, deviceId uint) (*DeviceSnapshotDO, error) {
	snapshot := &DeviceSnapshotDO{}
	err := preloadAccelerators(d.db.WithContext(ctx)).
		Where("device_id = ?", deviceId).
		Order("recorded_at desc").Order("id desc").
		Take(snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("查询设备最新快照出错，设备ID为%d", deviceId))
	}
	return snapshot, nil
}

func (d *daoImpl) QueryLatestSnapshots(ctx context.Context, deviceIds []uint) (map[uint]*DeviceSnapshotDO, error) {
	result := make(map[uint]*DeviceSnapshotDO, len(deviceIds))
	if len(deviceIds) == 0 {
		return result, nil
	}

	// 同一设备不存在recorded_at更大，或recorded_at相同但id更大的快照
	newer := d.db.WithContext(ctx).Table("device_snapshots AS newer").Select("1").
		Where("newer.device_id = latest.device_id").
		Where("newer.recorded_at > latest.recorded_at OR (newer.recorded_at = latest.recorded_at AND newer.id > latest.id)")
	latestIds := d.db.WithContext(ctx).Table("device_snapshots AS latest").Select("latest.id").
		Where("latest.device_id IN ?", deviceIds).
		Where("NOT EXISTS (?)", newer)

	snapshots := make([]*DeviceSnapshotDO, 0, len(deviceIds))
	err := preloadAccelerators(d.db.WithContext(ctx)).
		Where("id IN (?)", latestIds).
		Find(&snapshots).Error
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("批量查询设备最新快照出错，共%d台设备", len(deviceIds)))
	}
	for _, snapshot := range snapshots {
		result[snapshot.DeviceID] = snapshot
	}
	return result, nil
}

func (d *daoImpl) QuerySnapshotHistory(ctx context.Context, deviceId uint, limit int) ([]*DeviceSnapshotDO, error) {
	snapshots := make([]*DeviceSnapshotDO, 0)
	err := d.db.WithContext(ctx).
		Select("id", "recorded_at", "gpu_utilization", "gpu_memory_total_bytes", "gpu_memory_used_bytes", "power_watts").
		Where("device_id = ?", deviceId).
		Order("recorded_at desc").Order("id desc").
		Limit(limit).
		Find(&snapshots).Error
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("查询设备历史快照出错，设备ID为%d", deviceId))
	}
	return snapshots, nil
}

func (d *daoImpl) CountDevices(ctx context.Context) (int64, error) {
	var count int64
	if err := d.db.WithContext(ctx).Model(&DeviceDO{}).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "统计设备数量出错")
	}
	return count, nil
}

func (d *daoImpl) DB() *gorm.DB {
	return d.db
}

func (d *daoImpl) Driver() string {
	return d.driver
}

func firstInt64(values ...*int64) *int64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

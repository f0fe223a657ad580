package server

import (
	"fmt"

	"github.com/packagewjx/gpu-fleet-monitor/internal/ingest"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 发生冲突时各数据库返回的ID不一致，所以写入后都按唯一键重新读取

type optionalColumn struct {
	name    string
	present bool
}

func presentColumns(columns []string, optional ...optionalColumn) []string {
	for _, column := range optional {
		if column.present {
			columns = append(columns, column.name)
		}
	}
	return columns
}

// 按slug更新或插入设备。没有上报的可选字段不会覆盖已保存的值
func upsertDevice(tx *gorm.DB, payload *ingest.Payload) (*DeviceDO, error) {
	d := &payload.Device
	s := &payload.Snapshot
	record := &DeviceDO{
		Slug:            d.Slug,
		Name:            d.Name,
		Tag:             d.Tag,
		Location:        d.Location,
		Rack:            d.Rack,
		IPAddress:       d.IPAddress,
		DisplayIndex:    d.DisplayIndex,
		Platform:        d.Platform,
		PlatformVersion: d.PlatformVersion,
		Arch:            d.Arch,
		CpuInfo:         d.CpuInfo,
		AcceleratorInfo: payload.AcceleratorInfo(),
		Virtualization:  d.Virtualization,
		Version:         d.Version,
		BootTime:        d.BootTime,
		CountryCode:     d.CountryCode,
		MemTotalBytes:   s.Memory.TotalBytes,
		DiskTotalBytes:  s.Disk.TotalBytes,
		SwapTotalBytes:  s.Swap.TotalBytes,
	}
	if record.CpuInfo == nil {
		record.CpuInfo = []string{}
	}

	// deleted_at一并更新，重新上报的设备会恢复
	columns := presentColumns([]string{"name", "display_index", "cpu_info", "accelerator_info", "updated_at", "deleted_at"},
		optionalColumn{"tag", d.Tag != nil},
		optionalColumn{"location", d.Location != nil},
		optionalColumn{"rack", d.Rack != nil},
		optionalColumn{"ip_address", d.IPAddress != nil},
		optionalColumn{"platform", d.Platform != nil},
		optionalColumn{"platform_version", d.PlatformVersion != nil},
		optionalColumn{"arch", d.Arch != nil},
		optionalColumn{"virtualization", d.Virtualization != nil},
		optionalColumn{"version", d.Version != nil},
		optionalColumn{"boot_time", d.BootTime != nil},
		optionalColumn{"country_code", d.CountryCode != nil},
		optionalColumn{"mem_total_bytes", s.Memory.TotalBytes != nil},
		optionalColumn{"disk_total_bytes", s.Disk.TotalBytes != nil},
		optionalColumn{"swap_total_bytes", s.Swap.TotalBytes != nil},
	)

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(record).Error
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("更新Device出错，slug为%s", d.Slug))
	}

	device := &DeviceDO{}
	if err = tx.Where("slug = ?", d.Slug).Take(device).Error; err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("读取Device出错，slug为%s", d.Slug))
	}
	return device, nil
}

// 按(device_id, slot)更新或插入加速卡硬件记录
func upsertAcceleratorDevice(tx *gorm.DB, deviceId uint, a *ingest.Accelerator) (*AcceleratorDeviceDO, error) {
	record := &AcceleratorDeviceDO{
		DeviceID: deviceId,
		Slot:     a.Slot,
		Name:     a.Name,
		Vendor:   a.Vendor,
		BusId:    a.BusId,
	}
	columns := presentColumns([]string{"name", "updated_at", "deleted_at"},
		optionalColumn{"vendor", a.Vendor != nil},
		optionalColumn{"bus_id", a.BusId != nil},
	)

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "slot"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(record).Error
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("更新AcceleratorDevice出错，设备ID为%d，插槽为%d", deviceId, a.Slot))
	}

	// slot可能为0，不能用结构体作为条件
	hardware := &AcceleratorDeviceDO{}
	err = tx.Where("device_id = ? AND slot = ?", deviceId, a.Slot).Take(hardware).Error
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("读取AcceleratorDevice出错，设备ID为%d，插槽为%d", deviceId, a.Slot))
	}
	return hardware, nil
}

// 一次插入所有用户名，已存在的忽略，再一次查询取回ID。
// 事务绑定在单个连接上，不能在同一事务中并发执行语句
func upsertLabUsers(tx *gorm.DB, usernames []string) (map[string]uint, error) {
	result := make(map[string]uint, len(usernames))
	if len(usernames) == 0 {
		return result, nil
	}

	records := make([]*LabUserDO, len(usernames))
	for i, username := range usernames {
		records[i] = &LabUserDO{Username: username}
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoNothing: true,
	}).Create(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("插入LabUser出错，共%d个用户", len(usernames)))
	}

	users := make([]*LabUserDO, 0, len(usernames))
	if err = tx.Unscoped().Where("username IN ?", usernames).Find(&users).Error; err != nil {
		return nil, errors.Wrap(err, "读取LabUser出错")
	}
	for _, user := range users {
		result[user.Username] = user.ID
	}
	if len(result) != len(usernames) {
		return nil, fmt.Errorf("LabUser数量不一致，上报%d个，读取到%d个", len(usernames), len(result))
	}
	return result, nil
}

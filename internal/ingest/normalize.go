package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize 校验上报请求体并转换为Payload。失败时返回*ValidationError，不会产生任何副作用。
// now为未提供snapshot.recordedAt时使用的时间
func Normalize(body []byte, now time.Time) (*Payload, error) {
	req := &rawRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		return nil, decodeError("", err)
	}

	// device必须最先校验，slug与name缺失时不再处理其他字段
	device := &rawDevice{}
	if len(req.Device) != 0 {
		if err := json.Unmarshal(req.Device, device); err != nil {
			return nil, decodeError("device", err)
		}
	}
	if device.Slug == nil || strings.TrimSpace(*device.Slug) == "" ||
		device.Name == nil || strings.TrimSpace(*device.Name) == "" {
		return nil, &ValidationError{Field: "device", Message: "device.slug and device.name are required"}
	}

	snapshot := &rawSnapshot{}
	if len(req.Snapshot) != 0 {
		if err := json.Unmarshal(req.Snapshot, snapshot); err != nil {
			return nil, decodeError("snapshot", err)
		}
	}

	var rawAccelerators []json.RawMessage
	if len(req.Accelerators) != 0 {
		if err := json.Unmarshal(req.Accelerators, &rawAccelerators); err != nil {
			return nil, decodeError("accelerators", err)
		}
	}
	accelerators := make([]*rawAccelerator, len(rawAccelerators))
	for i, raw := range rawAccelerators {
		accelerators[i] = &rawAccelerator{}
		if err := json.Unmarshal(raw, accelerators[i]); err != nil {
			return nil, decodeError(fmt.Sprintf("accelerators[%d]", i), err)
		}
	}

	n := &normalizer{}
	result := &Payload{
		Device:   n.device(device),
		Snapshot: n.snapshot(snapshot, now),
	}
	if n.err != nil {
		return nil, n.err
	}

	result.Accelerators, result.UserNames = n.accelerators(accelerators)
	if n.err != nil {
		return nil, n.err
	}

	fillGpuSummary(&result.Snapshot, result.Accelerators)

	return result, nil
}

// normalizer 只记录遇到的第一个错误
type normalizer struct {
	err *ValidationError
}

func (n *normalizer) fail(field, message string) {
	if n.err == nil {
		n.err = &ValidationError{Field: field, Message: message}
	}
}

func (n *normalizer) integer(field string, raw json.RawMessage) *int64 {
	v, err := parseInteger(raw)
	if err != nil {
		n.fail(field, err.Error())
		return nil
	}
	return v
}

func (n *normalizer) requiredInteger(field string, raw json.RawMessage) int64 {
	v := n.integer(field, raw)
	if v == nil {
		n.fail(field, fmt.Sprintf("%s is required", field))
		return 0
	}
	return *v
}

func (n *normalizer) timestamp(field string, value *string) *time.Time {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	t, ok := parseTime(strings.TrimSpace(*value))
	if !ok {
		n.fail(field, fmt.Sprintf("Invalid date: %s", *value))
		return nil
	}
	return &t
}

func (n *normalizer) device(raw *rawDevice) Device {
	displayIndex := 0
	if raw.DisplayIndex != nil {
		displayIndex = *raw.DisplayIndex
	}

	return Device{
		Slug:            strings.TrimSpace(*raw.Slug),
		Name:            strings.TrimSpace(*raw.Name),
		Tag:             trimmed(raw.Tag),
		Location:        trimmed(raw.Location),
		Rack:            trimmed(raw.Rack),
		IPAddress:       trimmed(raw.IPAddress),
		DisplayIndex:    displayIndex,
		Platform:        trimmed(raw.Platform),
		PlatformVersion: trimmed(raw.PlatformVersion),
		Arch:            trimmed(raw.Arch),
		Virtualization:  trimmed(raw.Virtualization),
		Version:         trimmed(raw.Version),
		CountryCode:     trimmed(raw.CountryCode),
		BootTime:        n.timestamp("device.bootTime", raw.BootTime),
		CpuInfo:         normalizeStrings(stringsOf(raw.CpuInfo)),
		AcceleratorInfo: normalizeStrings(stringsOf(raw.AcceleratorInfo)),
	}
}

func (n *normalizer) snapshot(raw *rawSnapshot, now time.Time) Snapshot {
	recordedAt := now.UTC()
	if t := n.timestamp("snapshot.recordedAt", raw.RecordedAt); t != nil {
		recordedAt = *t
	}

	online := true
	if raw.Online != nil {
		online = *raw.Online
	}

	return Snapshot{
		RecordedAt:    recordedAt,
		UptimeSeconds: n.integer("snapshot.uptimeSeconds", raw.UptimeSeconds),
		Online:        online,
		CpuUsage:      raw.CpuUsage,
		Memory: Capacity{
			TotalBytes: n.integer("snapshot.memory.totalBytes", raw.Memory.TotalBytes),
			UsedBytes:  n.integer("snapshot.memory.usedBytes", raw.Memory.UsedBytes),
		},
		Disk: Capacity{
			TotalBytes: n.integer("snapshot.disk.totalBytes", raw.Disk.TotalBytes),
			UsedBytes:  n.integer("snapshot.disk.usedBytes", raw.Disk.UsedBytes),
		},
		Swap: Capacity{
			TotalBytes: n.integer("snapshot.swap.totalBytes", raw.Swap.TotalBytes),
			UsedBytes:  n.integer("snapshot.swap.usedBytes", raw.Swap.UsedBytes),
		},
		NetInTransferBytes:  n.integer("snapshot.network.inTransferBytes", raw.Network.InTransferBytes),
		NetOutTransferBytes: n.integer("snapshot.network.outTransferBytes", raw.Network.OutTransferBytes),
		NetInSpeedBytes:     raw.Network.InSpeedBytes,
		NetOutSpeedBytes:    raw.Network.OutSpeedBytes,
		Load1:               raw.Load.Load1,
		Load5:               raw.Load.Load5,
		Load15:              raw.Load.Load15,
		TcpConnections:      raw.Connections.Tcp,
		UdpConnections:      raw.Connections.Udp,
		ProcessCount:        raw.ProcessCount,
		GpuUtilization:      raw.Gpu.Utilization,
		GpuMemoryTotalBytes: n.integer("snapshot.gpu.memoryTotalBytes", raw.Gpu.MemoryTotalBytes),
		GpuMemoryUsedBytes:  n.integer("snapshot.gpu.memoryUsedBytes", raw.Gpu.MemoryUsedBytes),
		TemperatureC:        raw.TemperatureC,
		PowerWatts:          raw.PowerWatts,
	}
}

func (n *normalizer) accelerators(raws []*rawAccelerator) ([]*Accelerator, []string) {
	result := make([]*Accelerator, 0, len(raws))
	userNames := make([]string, 0)
	seenUsers := map[string]struct{}{}
	seenSlots := map[int]int{}

	for i, raw := range raws {
		prefix := fmt.Sprintf("accelerators[%d]", i)
		if raw.Name == nil || strings.TrimSpace(*raw.Name) == "" {
			n.fail(prefix+".name", fmt.Sprintf("%s.name is required", prefix))
			return nil, nil
		}

		slot := i
		if raw.Slot != nil {
			slot = *raw.Slot
		}
		if slot < 0 {
			n.fail(prefix+".slot", "slot must not be negative")
			return nil, nil
		}
		if first, ok := seenSlots[slot]; ok {
			n.fail(prefix+".slot", fmt.Sprintf("slot %d is already used by accelerators[%d]", slot, first))
			return nil, nil
		}
		seenSlots[slot] = i

		kind := KindGPU
		if raw.Kind != nil && strings.TrimSpace(*raw.Kind) != "" {
			switch Kind(strings.ToUpper(strings.TrimSpace(*raw.Kind))) {
			case KindGPU:
				kind = KindGPU
			case KindNPU:
				kind = KindNPU
			default:
				n.fail(prefix+".kind", fmt.Sprintf("unknown accelerator kind %q", *raw.Kind))
				return nil, nil
			}
		}

		accelerator := &Accelerator{
			Slot:              slot,
			Kind:              kind,
			Name:              strings.TrimSpace(*raw.Name),
			Vendor:            trimmed(raw.Vendor),
			BusId:             trimmed(raw.BusId),
			MemoryTotalBytes:  n.requiredInteger(prefix+".memoryTotalBytes", raw.MemoryTotalBytes),
			MemoryUsedBytes:   n.requiredInteger(prefix+".memoryUsedBytes", raw.MemoryUsedBytes),
			Utilization:       raw.Utilization,
			MemoryUtilization: raw.MemoryUtilization,
			TemperatureC:      raw.TemperatureC,
			PowerWatts:        raw.PowerWatts,
			Processes:         make([]*Process, 0, len(raw.Processes)),
		}

		for j, rawProc := range raw.Processes {
			// 没有名称的进程直接忽略，不视为错误
			if rawProc.Name == nil || strings.TrimSpace(*rawProc.Name) == "" {
				continue
			}
			proc := &Process{
				Pid:         rawProc.Pid,
				Name:        strings.TrimSpace(*rawProc.Name),
				Username:    nonEmpty(trimmed(rawProc.User)),
				MemoryBytes: n.integer(fmt.Sprintf("%s.processes[%d].memoryBytes", prefix, j), rawProc.MemoryBytes),
			}
			if proc.Username != nil {
				if _, ok := seenUsers[*proc.Username]; !ok {
					seenUsers[*proc.Username] = struct{}{}
					userNames = append(userNames, *proc.Username)
				}
			}
			accelerator.Processes = append(accelerator.Processes, proc)
		}

		if n.err != nil {
			return nil, nil
		}
		result = append(result, accelerator)
	}

	return result, userNames
}

// fillGpuSummary 补全快照级别的GPU利用率与显存。显式上报的值优先，否则由各加速卡汇总
func fillGpuSummary(snapshot *Snapshot, accelerators []*Accelerator) {
	if snapshot.GpuUtilization == nil {
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
			snapshot.GpuUtilization = &avg
		}
	}

	var total, used int64
	for _, accelerator := range accelerators {
		total += accelerator.MemoryTotalBytes
		used += accelerator.MemoryUsedBytes
	}
	snapshot.GpuMemoryTotalBytes = firstPresent(snapshot.GpuMemoryTotalBytes, total)
	snapshot.GpuMemoryUsedBytes = firstPresent(snapshot.GpuMemoryUsedBytes, used)
}

// firstPresent 返回explicit，其不存在时返回sum。sum为0视为不存在
func firstPresent(explicit *int64, sum int64) *int64 {
	if explicit != nil {
		return explicit
	}
	if sum == 0 {
		return nil
	}
	return &sum
}

// parseInteger 将数字或数字字符串转换为非负整数。null或空字符串返回nil
func parseInteger(raw json.RawMessage) (*int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var v int64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid string value")
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as an integer", s)
		}
		v = parsed
	} else {
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("must be a number or a numeric string")
		}
		f = math.Round(f)
		if f >= math.MaxInt64 || f <= math.MinInt64 {
			return nil, fmt.Errorf("value %s is out of range", string(raw))
		}
		v = int64(f)
	}

	if v < 0 {
		return nil, fmt.Errorf("must not be negative")
	}
	return &v, nil
}

func parseTime(value string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func decodeError(prefix string, err error) *ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := prefix
		if typeErr.Field != "" {
			if field != "" {
				field += "."
			}
			field += typeErr.Field
		}
		if field == "" {
			return &ValidationError{Message: "Invalid JSON payload"}
		}
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%s must be of type %s", field, typeErr.Type.String()),
		}
	}
	return &ValidationError{Field: prefix, Message: "Invalid JSON payload"}
}

// normalizeStrings 去除首尾空白与空字符串并去重，保留第一次出现的顺序
func normalizeStrings(values []string) []string {
	result := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}

// stringsOf 丢弃列表中的非字符串元素
func stringsOf(values []interface{}) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		if s, ok := value.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	return &t
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

package web

import (
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// systemStatus reports resources relevant to the store, fields left empty if not available
type systemStatus struct {
	DiskPath        string   `json:"disk_path,omitempty"`
	DiskTotal       uint64   `json:"disk_total,omitempty"`
	DiskFree        uint64   `json:"disk_free,omitempty"`
	DiskUsedPercent float64  `json:"disk_used_percent,omitempty"`
	MemUsedPercent  float64  `json:"mem_used_percent,omitempty"`
	Load1           float64  `json:"load1,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

// readSystemStatus collects disk usage of path, memory and load average
func readSystemStatus(path string) systemStatus {
	res := systemStatus{}
	if path != "" {
		if usage, err := disk.Usage(path); err == nil {
			res.DiskPath, res.DiskTotal, res.DiskFree, res.DiskUsedPercent = path, usage.Total, usage.Free, usage.UsedPercent
		} else {
			res.Errors = append(res.Errors, "disk: "+err.Error())
		}
	}
	if v, err := mem.VirtualMemory(); err == nil {
		res.MemUsedPercent = v.UsedPercent
	} else {
		res.Errors = append(res.Errors, "memory: "+err.Error())
	}
	if l, err := load.Avg(); err == nil {
		res.Load1 = l.Load1
	} else {
		res.Errors = append(res.Errors, "load: "+err.Error())
	}
	return res
}

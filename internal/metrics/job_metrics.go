package metrics

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Per-job resource gauges, labelled by batch id and script name.
var (
	jobCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "job",
			Name:      "cpu_percent",
			Help:      "CPU usage of a running job's root process.",
		}, []string{"batch", "name"},
	)
	jobMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "job",
			Name:      "memory_rss_mb",
			Help:      "Resident memory of a running job's root process.",
		}, []string{"batch", "name"},
	)
)

// JobSample is one resource reading for a running job.
type JobSample struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	NumThreads int32   `json:"num_threads"`
}

// SampleJob reads CPU and memory for pid and publishes the gauges.
// A process that vanished between sweeps is not an error worth surfacing.
func SampleJob(batchID int, name string, pid int) (JobSample, bool) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return JobSample{}, false
	}
	s := JobSample{PID: int32(pid)}
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	} else {
		slog.Debug("job cpu sample failed", "pid", pid, "error", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return JobSample{}, false
	}
	s.MemoryMB = float64(mem.RSS) / 1024 / 1024
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if regOK.Load() {
		b := strconv.Itoa(batchID)
		jobCPUPercent.WithLabelValues(b, name).Set(s.CPUPercent)
		jobMemoryMB.WithLabelValues(b, name).Set(s.MemoryMB)
	}
	return s, true
}

// ForgetJob drops the gauges of a job that left the running set.
func ForgetJob(batchID int, name string) {
	if !regOK.Load() {
		return
	}
	b := strconv.Itoa(batchID)
	jobCPUPercent.DeleteLabelValues(b, name)
	jobMemoryMB.DeleteLabelValues(b, name)
}

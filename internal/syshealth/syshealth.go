// Package syshealth samples host resource usage for Telemetry's
// "systemHealth" message. It reads /proc and /sys directly: no
// third-party sampler exists anywhere in the reference corpus, so this
// is implemented the same way Camera Capture and the OCR providers talk
// to the host system, by shelling out to or reading from it directly
// (see DESIGN.md).
package syshealth

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Sampler produces SystemHealthSample values, holding just enough state
// (the previous /proc/stat reading) to compute a CPU percentage between
// calls.
type Sampler struct {
	mu          sync.Mutex
	prevIdle    uint64
	prevTotal   uint64
	started     time.Time
	cameraOK    func() string
	ocrOK       func() string
	lastSuccess func() time.Time
}

// New constructs a Sampler. cameraStatus and ocrStatus report the most
// recently observed status string for each subsystem; lastSuccess
// reports the timestamp of the last Reading with no Error.
func New(cameraStatus, ocrStatus func() string, lastSuccess func() time.Time) *Sampler {
	return &Sampler{started: time.Now(), cameraOK: cameraStatus, ocrOK: ocrStatus, lastSuccess: lastSuccess}
}

// Sample reads the current CPU, memory, disk, and temperature figures.
// Any individual figure that can't be read is left at zero rather than
// failing the whole sample: telemetry is best-effort (spec.md §4.L).
func (s *Sampler) Sample() Sample {
	sample := Sample{
		TimestampUTC:  time.Now().UTC(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	sample.CPUPercent = s.cpuPercent()
	sample.MemPercent = memPercent()
	sample.DiskPercent = diskPercent("/")
	sample.TemperatureC = cpuTemperature()
	if s.cameraOK != nil {
		sample.CameraStatus = s.cameraOK()
	}
	if s.ocrOK != nil {
		sample.OcrStatus = s.ocrOK()
	}
	if s.lastSuccess != nil {
		sample.LastSuccessfulReading = s.lastSuccess()
	}
	return sample
}

// Sample mirrors model.SystemHealthSample's fields; kept as a distinct
// type so this package has no dependency on internal/model.
type Sample struct {
	TimestampUTC          time.Time
	CPUPercent            float64
	MemPercent            float64
	DiskPercent           float64
	TemperatureC          float64
	UptimeSeconds         int64
	CameraStatus          string
	OcrStatus             string
	LastSuccessfulReading time.Time
}

// cpuPercent computes utilization since the previous call from
// /proc/stat's aggregate "cpu" line.
func (s *Sampler) cpuPercent() float64 {
	idle, total, err := readProcStat()
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.prevIdle, s.prevTotal = idle, total }()
	if s.prevTotal == 0 {
		return 0
	}
	deltaTotal := float64(total - s.prevTotal)
	deltaIdle := float64(idle - s.prevIdle)
	if deltaTotal <= 0 {
		return 0
	}
	return 100 * (1 - deltaIdle/deltaTotal)
}

func readProcStat() (idle, total uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var sum uint64
		for i, f := range fields[1:] {
			v, convErr := strconv.ParseUint(f, 10, 64)
			if convErr != nil {
				continue
			}
			sum += v
			if i == 3 { // idle is the 4th value
				idle = v
			}
		}
		return idle, sum, nil
	}
	return 0, 0, scanner.Err()
}

// memPercent reads MemTotal/MemAvailable from /proc/meminfo.
func memPercent() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoKB(line)
		}
	}
	if total <= 0 {
		return 0
	}
	return 100 * (1 - available/total)
}

func parseMeminfoKB(line string) float64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0
	}
	return v
}

// diskPercent reports used space on the filesystem containing path via
// statfs.
func diskPercent(path string) float64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	if total == 0 {
		return 0
	}
	return 100 * (1 - float64(free)/float64(total))
}

// cpuTemperature reads the first available thermal zone, in degrees
// Celsius. Most Linux SBCs (the Raspberry Pi class hardware this agent
// targets) expose /sys/class/thermal/thermal_zone0/temp in millidegrees.
func cpuTemperature() float64 {
	raw, err := os.ReadFile("/sys/class/thermal/thermal_zone0/temp")
	if err != nil {
		return 0
	}
	milliC, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return float64(milliC) / 1000.0
}

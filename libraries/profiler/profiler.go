// Package profiler periodically captures a CPU profile and logs the hottest
// functions, so long-running sync sessions can be inspected without attaching
// pprof tooling.
package profiler

import (
	"bytes"
	"fmt"
	"runtime"
	"runtime/pprof"
	"sort"
	"sync"
	"time"

	"github.com/google/pprof/profile"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/logger"
)

type Config struct {
	ServiceName string        // Name shown in log output
	Interval    time.Duration // Capture window and cadence (default: 60s)
	TopN        int           // Number of functions to show (default: 20)
}

var (
	mu       sync.Mutex
	stopChan chan struct{}
	running  bool
)

func Start(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	if running {
		logger.Printf("profiler", "Profiler already running, restarting")
		stopLocked()
	}

	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.TopN == 0 {
		cfg.TopN = 20
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "unknown"
	}

	stopChan = make(chan struct{})
	running = true
	logger.Printf("profiler", "Periodic CPU profiling every %v", cfg.Interval)

	go run(cfg, stopChan)
}

func Stop() {
	mu.Lock()
	defer mu.Unlock()
	stopLocked()
}

func stopLocked() {
	if !running {
		return
	}
	close(stopChan)
	running = false
	logger.Printf("profiler", "Stopped periodic CPU profiling")
}

// EnableBlockProfiling records every blocking event.
func EnableBlockProfiling() {
	runtime.SetBlockProfileRate(1)
}

func run(cfg Config, stop <-chan struct{}) {
	for {
		capture(cfg, stop)
		select {
		case <-stop:
			return
		default:
		}
	}
}

func capture(cfg Config, stop <-chan struct{}) {
	started := time.Now()
	var buf bytes.Buffer
	if err := pprof.StartCPUProfile(&buf); err != nil {
		logger.Printf("profiler", "Could not start CPU profile: %v", err)
		return
	}

	timer := time.NewTimer(cfg.Interval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop:
		logger.Printf("profiler", "Capture interrupted after %.1fs of %.1fs",
			time.Since(started).Seconds(), cfg.Interval.Seconds())
	}
	pprof.StopCPUProfile()

	if buf.Len() == 0 {
		logger.Printf("profiler", "No CPU samples captured")
		return
	}

	rep, err := parse(&buf)
	if err != nil {
		logger.Printf("profiler", "Could not parse profile: %v", err)
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	logger.Printf("profiler", "=== %s cpu profile at %s ===", cfg.ServiceName, started.Format("2006-01-02 15:04:05 MST"))
	logger.Printf("profiler", "Duration: %.1fs, total samples = %.2fs",
		cfg.Interval.Seconds(), rep.totalSeconds)
	logger.Printf("profiler", "Goroutines: %d | Heap: %d MB | Sys: %d MB | NumGC: %d",
		runtime.NumGoroutine(), m.Alloc/1024/1024, m.HeapSys/1024/1024, m.NumGC)
	logger.Printf("profiler", "      flat  flat%%   sum%%")

	var cum int64
	for i := 0; i < cfg.TopN && i < len(rep.hotspots); i++ {
		h := rep.hotspots[i]
		cum += h.flat
		logger.Printf("profiler", "%10s %5.2f%% %5.2f%%  %s",
			formatSamples(h.flat, rep.period), h.flatPct,
			float64(cum)/float64(rep.totalSamples)*100, h.name)
	}
}

type hotspot struct {
	name    string
	flat    int64
	flatPct float64
}

type report struct {
	totalSamples int64
	totalSeconds float64
	period       int64 // nanoseconds per sample
	hotspots     []hotspot
}

func parse(r *bytes.Buffer) (*report, error) {
	prof, err := profile.Parse(r)
	if err != nil {
		return nil, err
	}

	period := int64(1000000)
	if len(prof.SampleType) > 0 && prof.SampleType[0].Unit == "nanoseconds" && prof.Period > 0 {
		period = prof.Period
	}

	flat := make(map[string]int64)
	var total int64
	for _, sample := range prof.Sample {
		if len(sample.Value) == 0 {
			continue
		}
		total += sample.Value[0]
		if len(sample.Location) == 0 || len(sample.Location[0].Line) == 0 {
			continue
		}
		if fn := sample.Location[0].Line[0].Function; fn != nil {
			flat[fn.Name] += sample.Value[0]
		}
	}

	hotspots := make([]hotspot, 0, len(flat))
	for name, samples := range flat {
		h := hotspot{name: name, flat: samples}
		if total > 0 {
			h.flatPct = float64(samples) / float64(total) * 100
		}
		hotspots = append(hotspots, h)
	}
	sort.Slice(hotspots, func(i, j int) bool {
		return hotspots[i].flat > hotspots[j].flat
	})

	return &report{
		totalSamples: total,
		totalSeconds: float64(total*period) / 1e9,
		period:       period,
		hotspots:     hotspots,
	}, nil
}

func formatSamples(samples, period int64) string {
	seconds := float64(samples*period) / 1e9
	if seconds >= 1 {
		return fmt.Sprintf("%.2fs", seconds)
	}
	return fmt.Sprintf("%.0fms", seconds*1000)
}

package logger

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	errorsListener    int64
	errorsStore       int64
	warnsListener     int64
	warnsStore        int64
	eventsAccepted    int64
	eventsSkipped     int64
	batchesFlushed    int64
	reconcileCycles   int64
	archiveWrites     int64
	listenerReconnect int64
)

func recordWarn(component string) {
	switch component {
	case "listener":
		atomic.AddInt64(&warnsListener, 1)
	case "metadata_store", "market_data", "history":
		atomic.AddInt64(&warnsStore, 1)
	}
}

func recordError(component string) {
	switch component {
	case "listener":
		atomic.AddInt64(&errorsListener, 1)
	case "metadata_store", "market_data", "history":
		atomic.AddInt64(&errorsStore, 1)
	}
}

func IncrementEventAccepted() {
	atomic.AddInt64(&eventsAccepted, 1)
}

func IncrementEventSkipped() {
	atomic.AddInt64(&eventsSkipped, 1)
}

func IncrementBatchFlushed() {
	atomic.AddInt64(&batchesFlushed, 1)
}

func IncrementReconcileCycle() {
	atomic.AddInt64(&reconcileCycles, 1)
}

func IncrementArchiveWrite() {
	atomic.AddInt64(&archiveWrites, 1)
}

func IncrementListenerReconnect() {
	atomic.AddInt64(&listenerReconnect, 1)
}

// StartReport begins periodic logging of system and pipeline statistics until
// the context is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	memUsedMB := int64(0)
	if memStats != nil {
		memUsedMB = int64(memStats.Used) / 1024 / 1024
	}
	diskUsedMB := int64(0)
	if diskStats != nil {
		diskUsedMB = int64(diskStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors_listener":    atomic.LoadInt64(&errorsListener),
		"errors_store":       atomic.LoadInt64(&errorsStore),
		"warns_listener":     atomic.LoadInt64(&warnsListener),
		"warns_store":        atomic.LoadInt64(&warnsStore),
		"events_accepted":    atomic.LoadInt64(&eventsAccepted),
		"events_skipped":     atomic.LoadInt64(&eventsSkipped),
		"batches_flushed":    atomic.LoadInt64(&batchesFlushed),
		"reconcile_cycles":   atomic.LoadInt64(&reconcileCycles),
		"archive_writes":     atomic.LoadInt64(&archiveWrites),
		"listener_reconnect": atomic.LoadInt64(&listenerReconnect),
		"goroutines":         runtime.NumGoroutine(),
		"cpu_percent":        cpuPct,
		"memory_mb":          memUsedMB,
		"disk_mb":            diskUsedMB,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsedMB))},
		{MetricName: aws.String("EventsAccepted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&eventsAccepted)))},
		{MetricName: aws.String("EventsSkipped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&eventsSkipped)))},
		{MetricName: aws.String("BatchesFlushed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&batchesFlushed)))},
		{MetricName: aws.String("ReconcileCycles"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&reconcileCycles)))},
		{MetricName: aws.String("ErrorsListener"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsListener)))},
		{MetricName: aws.String("ErrorsStore"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsStore)))},
	}

	publishMetrics(ctx, data)
}

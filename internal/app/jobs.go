package app

import (
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
	"github.com/kingdrowjin/jins-new-one/pkg/metrics"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedSystemMonitorTask()
		go a.SchedProcessMonitorTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@every 5m", func() {
		a.SchedSweepStaleMessages()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", func() {
		a.SchedClearExpireData()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSystemMonitorTask system monitor
func (a *Application) SchedSystemMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	// Collect CPU usage
	_cpuuse, err := cpu.Percent(0, false)
	if err == nil && len(_cpuuse) > 0 {
		metrics.Record(metrics.SystemCpuUsage, _cpuuse[0])
	}

	// Collect memory usage
	_meminfo, err := mem.VirtualMemory()
	if err == nil {
		metrics.Record(metrics.SystemMemUsage, float64(_meminfo.Used/1024/1024))
	}
}

// SchedProcessMonitorTask app process monitor
func (a *Application) SchedProcessMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	p, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // G115: PID is always within int32 range
	if err != nil {
		return
	}

	// Collect process CPU usage
	cpuuse, err := p.CPUPercent()
	if err == nil {
		metrics.Record("waplatform_cpu_usage", cpuuse)
	}

	// Collect process memory usage
	meminfo, err := p.MemoryInfo()
	if err == nil {
		metrics.Record("waplatform_mem_usage", float64(meminfo.RSS/1024/1024))
	}
}

// SchedSweepStaleMessages fails message logs stuck in pending. A log
// older than ten minutes that never reached a terminal state belongs
// to a dispatch that died mid-flight.
func (a *Application) SchedSweepStaleMessages() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	result := a.gormDB.Model(&domain.MessageLog{}).
		Where("status = ? and created_at < ?", domain.MessagePending, time.Now().Add(-10*time.Minute)).
		Updates(map[string]interface{}{
			"status": domain.MessageFailed,
			"error":  "delivery interrupted",
		})
	if result.Error != nil {
		zap.L().Error("stale message sweep failed", zap.Error(result.Error))
		return
	}
	if result.RowsAffected > 0 {
		zap.L().Info("swept stale pending messages", zap.Int64("count", result.RowsAffected))
	}
}

func (a *Application) SchedClearExpireData() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	// Message logs older than 90 days
	a.gormDB.
		Where("created_at < ?", time.Now().
			Add(-time.Hour*24*90)).Delete(&domain.MessageLog{})

	// Finished campaigns older than 90 days
	a.gormDB.
		Where("status in ? and created_at < ?",
			[]string{domain.CampaignCompleted, domain.CampaignCancelled},
			time.Now().Add(-time.Hour*24*90)).Delete(&domain.Campaign{})
}

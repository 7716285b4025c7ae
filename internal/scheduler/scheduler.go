package scheduler

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/classbank/backend/internal/services"
)

const systemUserID = "system:payroll"

// Scheduler runs recurring payroll for the configured classes. The batch
// keys every entry on the class, period and account, so an overlapping or
// restarted run replays instead of paying twice.
type Scheduler struct {
	cron    *cron.Cron
	payroll *services.PayrollService
}

func NewScheduler(payroll *services.PayrollService) *Scheduler {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithSeconds(),
	)

	s := &Scheduler{
		cron:    c,
		payroll: payroll,
	}

	s.registerJobs()
	return s
}

func (s *Scheduler) registerJobs() {
	viper.SetDefault("payroll.schedule", "0 0 8 * * MON")

	schedule := viper.GetString("payroll.schedule")
	if _, err := s.cron.AddFunc(schedule, s.runScheduledPayroll); err != nil {
		log.Printf("[SCHEDULER] failed to register payroll job: %v", err)
	}
}

// runScheduledPayroll pays every class listed in payroll.classes, each
// entry formatted as "<classId>=<amount>".
func (s *Scheduler) runScheduledPayroll() {
	classes := viper.GetStringSlice("payroll.classes")
	if len(classes) == 0 {
		return
	}

	year, week := time.Now().UTC().ISOWeek()
	period := fmt.Sprintf("%d-W%02d", year, week)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, spec := range classes {
		classID, amountStr, ok := strings.Cut(spec, "=")
		if !ok {
			log.Printf("[SCHEDULER] skipping malformed payroll class spec %q", spec)
			continue
		}
		amount, err := strconv.ParseInt(amountStr, 10, 64)
		if err != nil || amount <= 0 {
			log.Printf("[SCHEDULER] skipping payroll class %s: bad amount %q", classID, amountStr)
			continue
		}

		if _, err := s.payroll.RunPayroll(ctx, systemUserID, classID, period, amount, ""); err != nil {
			log.Printf("[SCHEDULER] payroll run failed for class %s: %v", classID, err)
		}
	}
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Println("[SCHEDULER] started")
}

// Stop waits for running jobs and stops the scheduler.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("[SCHEDULER] stopped")
}

package monitoring

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plotpoint/auction-cli/internal/config"
	"github.com/plotpoint/auction-cli/internal/model"
	"github.com/plotpoint/auction-cli/internal/store"
)

// ResourceSampler abstracts the sampler methods the monitor needs.
type ResourceSampler interface {
	Sample() (cpu, mem, disk float64, err error)
}

// Monitor classifies resource samples against thresholds and persists
// them. A breached threshold marks the sample warn; a run of consecutive
// warns escalates to critical, which raises a health event, notifies the
// escalation callback and posts a webhook alert. The monitor never
// remediates anything itself.
type Monitor struct {
	sampler ResourceSampler
	store   store.Store
	alerter *Alerter
	cfg     config.HealthConfig

	// onCritical is invoked once per escalation, on the first sample of
	// a streak that crosses the configured length.
	onCritical func()

	mu     sync.Mutex
	streak int
}

// MonitorOption configures optional monitor behavior.
type MonitorOption func(*Monitor)

// WithAlerter attaches a webhook alerter for escalations.
func WithAlerter(a *Alerter) MonitorOption {
	return func(m *Monitor) { m.alerter = a }
}

// WithCriticalCallback registers a function called when sustained
// resource pressure escalates to critical.
func WithCriticalCallback(fn func()) MonitorOption {
	return func(m *Monitor) { m.onCritical = fn }
}

// NewMonitor builds a monitor around a sampler and store.
func NewMonitor(sampler ResourceSampler, st store.Store, cfg config.HealthConfig, opts ...MonitorOption) *Monitor {
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = 80
	}
	if cfg.MemThreshold <= 0 {
		cfg.MemThreshold = 85
	}
	if cfg.DiskThreshold <= 0 {
		cfg.DiskThreshold = 85
	}
	if cfg.WarnStreak < 1 {
		cfg.WarnStreak = 3
	}
	m := &Monitor{sampler: sampler, store: st, cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check runs one sampling pass. It satisfies the scheduler job contract,
// so a sampling or persistence error surfaces to the scheduler.
func (m *Monitor) Check(ctx context.Context) error {
	cpu, mem, disk, err := m.sampler.Sample()
	if err != nil {
		return err
	}

	breaches := m.breaches(cpu, mem, disk)

	m.mu.Lock()
	if len(breaches) > 0 {
		m.streak++
	} else {
		m.streak = 0
	}
	streak := m.streak
	m.mu.Unlock()

	status := model.HealthOK
	if len(breaches) > 0 {
		status = model.HealthWarn
	}
	if streak >= m.cfg.WarnStreak {
		status = model.HealthCritical
	}

	sample := model.HealthSample{
		Timestamp: time.Now().UTC(),
		CPUPct:    cpu,
		MemPct:    mem,
		DiskPct:   disk,
		Status:    status,
	}
	if err := m.store.InsertHealthSample(ctx, sample); err != nil {
		return eris.Wrap(err, "monitoring: insert sample")
	}

	fields := []zap.Field{
		zap.Float64("cpu_pct", cpu),
		zap.Float64("mem_pct", mem),
		zap.Float64("disk_pct", disk),
		zap.String("status", string(status)),
	}
	switch status {
	case model.HealthOK:
		zap.L().Debug("monitoring: sample recorded", fields...)
	case model.HealthWarn:
		zap.L().Warn("monitoring: resource pressure",
			append(fields, zap.Strings("breaches", breaches), zap.Int("streak", streak))...)
	case model.HealthCritical:
		zap.L().Error("monitoring: resource pressure critical",
			append(fields, zap.Strings("breaches", breaches), zap.Int("streak", streak))...)
	}

	// Escalate once, when the streak first crosses the configured length.
	if status == model.HealthCritical && streak == m.cfg.WarnStreak {
		m.escalate(ctx, sample, breaches, streak)
	}

	return nil
}

func (m *Monitor) breaches(cpu, mem, disk float64) []string {
	var out []string
	if cpu > m.cfg.CPUThreshold {
		out = append(out, fmt.Sprintf("cpu %.1f%% > %.1f%%", cpu, m.cfg.CPUThreshold))
	}
	if mem > m.cfg.MemThreshold {
		out = append(out, fmt.Sprintf("mem %.1f%% > %.1f%%", mem, m.cfg.MemThreshold))
	}
	if disk > m.cfg.DiskThreshold {
		out = append(out, fmt.Sprintf("disk %.1f%% > %.1f%%", disk, m.cfg.DiskThreshold))
	}
	return out
}

func (m *Monitor) escalate(ctx context.Context, sample model.HealthSample, breaches []string, streak int) {
	message := fmt.Sprintf("sustained resource pressure after %d consecutive warns: %s",
		streak, strings.Join(breaches, ", "))

	event := model.HealthEvent{
		Component: "monitor",
		Status:    model.HealthCritical,
		Message:   message,
		CreatedAt: sample.Timestamp,
	}
	if err := m.store.InsertHealthEvent(ctx, event); err != nil {
		zap.L().Warn("monitoring: record health event", zap.Error(err))
	}

	if m.onCritical != nil {
		m.onCritical()
	}

	if m.alerter != nil && m.alerter.Enabled() {
		alert := Alert{
			Type:     AlertResourceCritical,
			Severity: "critical",
			Message:  message,
			Details: map[string]any{
				"cpu_pct":  sample.CPUPct,
				"mem_pct":  sample.MemPct,
				"disk_pct": sample.DiskPct,
				"streak":   streak,
			},
			Timestamp: sample.Timestamp,
		}
		if err := m.alerter.Send(ctx, alert); err != nil {
			zap.L().Error("monitoring: send alert", zap.Error(err))
		}
	}
}

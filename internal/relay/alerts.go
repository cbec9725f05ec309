package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PerryB-GIT/sessionforge-sub001/pkg/protocol"
)

// AlertThresholds configures machine metric alerts. A zero threshold
// disables that metric's alert.
type AlertThresholds struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	Cooldown      time.Duration
}

// alerter evaluates heartbeat metrics against thresholds. Each
// machine+metric pair fires at most once per cooldown window.
type alerter struct {
	thresholds AlertThresholds

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// newAlerter returns nil when no threshold is configured; a nil alerter
// evaluates to nothing.
func newAlerter(t AlertThresholds) *alerter {
	if t.CPUPercent <= 0 && t.MemoryPercent <= 0 && t.DiskPercent <= 0 {
		return nil
	}
	if t.Cooldown <= 0 {
		t.Cooldown = 5 * time.Minute
	}
	return &alerter{thresholds: t, lastFired: make(map[string]time.Time)}
}

func (a *alerter) evaluate(machineID string, hb protocol.Heartbeat) []protocol.AlertFired {
	if a == nil {
		return nil
	}

	now := time.Now()
	var fired []protocol.AlertFired

	check := func(metric string, value, limit float64) {
		if limit <= 0 || value < limit {
			return
		}

		key := machineID + ":" + metric
		a.mu.Lock()
		if now.Sub(a.lastFired[key]) < a.thresholds.Cooldown {
			a.mu.Unlock()
			return
		}
		a.lastFired[key] = now
		a.mu.Unlock()

		severity := "warning"
		if value >= 95 {
			severity = "critical"
		}
		fired = append(fired, protocol.AlertFired{
			AlertID:  uuid.New().String(),
			Message:  fmt.Sprintf("machine %s %s at %.1f%% (threshold %.1f%%)", machineID, metric, value, limit),
			Severity: severity,
		})
	}

	check("cpu", hb.CPU, a.thresholds.CPUPercent)
	check("memory", hb.Memory, a.thresholds.MemoryPercent)
	check("disk", hb.Disk, a.thresholds.DiskPercent)
	return fired
}

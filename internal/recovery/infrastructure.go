package recovery

import (
	"fmt"
	"log/slog"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/timer"
)

// TimerRecoveryHandler provides the callback function for timer recovery infrastructure
func TimerRecoveryHandler(t *timer.Timer) func(TimerRecoveryInfo) (string, error) {
	return func(info TimerRecoveryInfo) (string, error) {
		if t == nil {
			return "", fmt.Errorf("no timer available for recovery")
		}
		slog.Info("Recovering timer",
			"tenant", info.TenantID,
			"description", info.Description,
			"delay", info.Delay)

		fire := info.Fire
		id := t.ScheduleAfter(info.Delay, info.Description, func() {
			slog.Debug("Recovered timer fired", "tenant", info.TenantID, "description", info.Description)
			fire()
		})
		return id, nil
	}
}

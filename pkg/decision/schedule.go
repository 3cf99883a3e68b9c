// Package decision implements the decision-engine scheduling layer:
// audit handlers, the cooperative persistent scheduler, and the
// periodic housekeeping that claims, schedules, and expires audits.
package decision

import (
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// ParseInterval parses an audit interval. Plain integers are seconds;
// anything else must be a 5-field cron expression.
func ParseInterval(interval string) (cron.Schedule, error) {
	if seconds, err := strconv.Atoi(interval); err == nil {
		if seconds <= 0 {
			return nil, core.NewPermanentError("interval seconds must be positive", nil).
				WithCode(core.ErrCodeParameterInvalid)
		}
		return cron.Every(time.Duration(seconds) * time.Second), nil
	}

	schedule, err := cron.ParseStandard(interval)
	if err != nil {
		return nil, core.NewPermanentError("invalid audit interval", err).
			WithCode(core.ErrCodeParameterInvalid)
	}
	return schedule, nil
}

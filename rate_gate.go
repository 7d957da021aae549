package main

import (
	"time"

	"github.com/hako/durafmt"
)

const defaultCooldown = 30 * time.Second

// rateGate bounds how often a user can request a render. It reads the
// user's last render timestamp from settings and compares against the
// cooldown; holders of the exemption flag always pass. The check and the
// later timestamp update are deliberately not atomic: the worst case is
// one extra render slipping through for a user racing themselves.
type rateGate struct {
	settings *userSettings
	exempt   *obfuscatedFlagStore
	cooldown time.Duration
}

func newRateGate(settings *userSettings, exempt *obfuscatedFlagStore, cooldown time.Duration) *rateGate {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &rateGate{settings: settings, exempt: exempt, cooldown: cooldown}
}

// Allow reports whether the user may render now. When it returns false,
// wait is how long until the gate opens.
func (g *rateGate) Allow(userID int64, now time.Time) (bool, time.Duration, error) {
	if g.exempt != nil {
		exempt, err := g.exempt.GetBool(userID)
		if err != nil {
			return false, 0, err
		}
		if exempt {
			return true, 0, nil
		}
	}
	last, err := g.settings.LastRenderTime(userID)
	if err != nil {
		return false, 0, err
	}
	elapsed := now.Sub(time.Unix(last, 0))
	if elapsed >= g.cooldown {
		return true, 0, nil
	}
	return false, g.cooldown - elapsed, nil
}

// RecordRender stamps now as the user's last successful render. Callers
// invoke this only after a render completes, so failed attempts do not
// burn the cooldown.
func (g *rateGate) RecordRender(userID int64, now time.Time) error {
	return g.settings.SetLastRenderTime(userID, now.Unix())
}

// formatWait renders a wait duration for user messages, e.g. "24 seconds".
func formatWait(wait time.Duration) string {
	rounded := wait.Round(time.Second)
	if rounded < time.Second {
		rounded = time.Second
	}
	return durafmt.Parse(rounded).LimitFirstN(2).String()
}

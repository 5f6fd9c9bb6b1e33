package service

import (
	"time"

	"github.com/sakif/training-sync/internal/model"
)

// Denial reasons surfaced to the dashboard as syncDisabledReason.
const (
	ReasonDisabled   = "disabled"
	ReasonDailyLimit = "daily limit reached"
	ReasonCooldown   = "cooldown"
)

const (
	DefaultDailyLimit = 5
	DefaultCooldown   = time.Hour
)

// dayLayout is the calendar-day key stored in SyncState.LastSyncDate.
const dayLayout = "2006-01-02"

// SyncGate decides whether a sync attempt may start.
//
// PURE FUNCTION:
// Evaluate reads nothing but its arguments. No clock, no store. That is what
// lets the same snapshot + the same "now" always produce the same answer,
// and lets tests walk "now" across a boundary one second at a time.
type SyncGate struct {
	DailyLimit int
	Cooldown   time.Duration
}

func NewSyncGate(dailyLimit int, cooldown time.Duration) SyncGate {
	return SyncGate{DailyLimit: dailyLimit, Cooldown: cooldown}
}

// GateDecision is the gate's answer. A denial is a value, not an error.
type GateDecision struct {
	Allowed bool
	Reason  string
	// RetryAt is when the denial lifts on its own: the end of the cooldown or
	// the next UTC midnight. Nil for "disabled", which needs a user action.
	RetryAt *time.Time
}

// Evaluate applies the rules in order:
//
//  1. sync disabled          -> denied ("disabled")
//  2. stale day              -> requests today counts as 0
//  3. requests >= limit      -> denied ("daily limit reached")
//  4. inside the cooldown    -> denied ("cooldown")
//  5. otherwise              -> allowed
//
// A nil state is a user who has never synced, which is always allowed.
func (g SyncGate) Evaluate(state *model.SyncState, now time.Time) GateDecision {
	if state == nil {
		return GateDecision{Allowed: true}
	}

	if !state.SyncEnabled {
		return GateDecision{Reason: ReasonDisabled}
	}

	if EffectiveRequestsToday(state, now) >= g.DailyLimit {
		midnight := nextMidnight(now)
		return GateDecision{Reason: ReasonDailyLimit, RetryAt: &midnight}
	}

	if state.LastActivitySync != nil {
		until := state.LastActivitySync.Add(g.Cooldown)
		if now.Before(until) {
			return GateDecision{Reason: ReasonCooldown, RetryAt: &until}
		}
	}

	return GateDecision{Allowed: true}
}

// RequestsRemaining is how many more attempts fit in today's budget.
func (g SyncGate) RequestsRemaining(state *model.SyncState, now time.Time) int {
	return max(g.DailyLimit-EffectiveRequestsToday(state, now), 0)
}

// EffectiveRequestsToday derives today's counter without writing anything:
// a counter stamped with an earlier day is logically zero.
func EffectiveRequestsToday(state *model.SyncState, now time.Time) int {
	if state == nil || state.LastSyncDate != DayKey(now) {
		return 0
	}
	return state.SyncRequestsToday
}

// DayKey is the UTC calendar day of t.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

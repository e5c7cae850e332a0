package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nerrad567/sector-bridge/internal/alarm"
)

// Poll outcomes passed to Metrics.RecordPoll.
const (
	PollOK           = "ok"
	PollSkipped      = "skipped"
	PollUnauthorized = "unauthorized"
	PollTransient    = "transient"
	PollProtocol     = "protocol"
)

// pollLoop runs ticks until the engine stops. A tick runs when the timer
// fires, when PollNow is called and when the session becomes AUTHENTICATED.
// Other session changes only refresh the published status.
func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()

	bo := e.newBackOff()

	timer := time.NewTimer(0)
	defer timer.Stop()

	changes := e.session.Changes()
	lastState := e.session.Snapshot().State

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-timer.C:
		case <-e.pollNow:
		case <-changes:
			changes = e.session.Changes()
			state := e.session.Snapshot().State
			became := state == alarm.StateAuthenticated && lastState != alarm.StateAuthenticated
			lastState = state
			e.publishStatus()
			e.updates.Notify()
			if !became {
				continue
			}
			e.logInfo("session authenticated, polling now")
		}

		timer.Reset(e.tick(ctx, bo))
	}
}

// newBackOff paces retries after transient poll failures. Jitter is kept
// at 20% so consecutive delays still grow.
func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     e.retryInitial,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         e.retryMax,
	}
	bo.Reset()
	return bo
}

// tick performs one poll and returns the delay until the next one.
func (e *Engine) tick(ctx context.Context, bo *backoff.ExponentialBackOff) time.Duration {
	token, err := e.session.EnsureValid()
	if err != nil {
		e.counters.pollsSkipped.Add(1)
		e.recordPoll(PollSkipped, 0)
		e.markStale(err)
		e.maybeRecover(ctx)
		return e.pollInterval
	}

	pctx, cancel := context.WithTimeout(ctx, e.pollTimeout)
	start := e.now()
	snap, err := e.remote.GetStatus(pctx, token, e.panelID)
	cancel()
	elapsed := e.now().Sub(start)

	if err != nil {
		e.counters.pollsFailed.Add(1)
		e.markStale(err)

		switch {
		case errors.Is(err, alarm.ErrUnauthorized):
			e.recordPoll(PollUnauthorized, elapsed)
			e.logWarn("poll refused, dropping session", "panel_id", e.panelID)
			e.session.Invalidate(token)
			return e.retryInitial

		case errors.Is(err, alarm.ErrTransient):
			e.recordPoll(PollTransient, elapsed)
			next := bo.NextBackOff()
			if next <= 0 {
				next = e.retryMax
			}
			e.logWarn("poll failed, backing off", "error", err, "retry_in", next)
			return next

		default:
			e.recordPoll(PollProtocol, elapsed)
			e.logError("poll returned an unusable response", err)
			return e.pollInterval
		}
	}

	bo.Reset()
	e.counters.pollsOK.Add(1)
	e.recordPoll(PollOK, elapsed)
	e.applySnapshot(snap)
	return e.pollInterval
}

// maybeRecover asks the session to re-authenticate, at most once per
// reauth cooldown. Only UNAUTHENTICATED with no attempt running qualifies;
// WAITING_2FA and LOGIN_FAILED wait for the operator.
func (e *Engine) maybeRecover(ctx context.Context) {
	ss := e.session.Snapshot()
	if ss.State != alarm.StateUnauthenticated || ss.AuthInProgress {
		return
	}

	now := e.now()
	e.pubMu.Lock()
	if !e.lastReauth.IsZero() && now.Sub(e.lastReauth) < e.reauthCooldown {
		e.pubMu.Unlock()
		return
	}
	e.lastReauth = now
	e.pubMu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, e.pollTimeout)
	defer cancel()

	e.logInfo("attempting re-authentication")
	if err := e.session.Recover(rctx, e.creds); err != nil {
		e.logWarn("re-authentication failed", "error", err)
	}
}

func (e *Engine) recordPoll(outcome string, d time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordPoll(e.panelID, outcome, d)
	}
}

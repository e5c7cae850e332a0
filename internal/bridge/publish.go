package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nerrad567/sector-bridge/internal/alarm"
)

// errSessionLost stops a publish run once the session has left
// AUTHENTICATED.
var errSessionLost = errors.New("session lost during publish")

// applySnapshot publishes what changed in snap and makes it the current
// snapshot. The session is checked before every publish: once it leaves
// AUTHENTICATED the rest of snap is dropped and nothing is stored.
func (e *Engine) applySnapshot(snap *alarm.PanelSnapshot) {
	if !e.authenticated() {
		e.discardSnapshot()
		return
	}

	var errs []error
	publish := func(topic string, payload []byte) bool {
		err := e.publishIfChanged(topic, payload)
		if errors.Is(err, errSessionLost) {
			return false
		}
		if err != nil {
			errs = append(errs, err)
		}
		return true
	}

	if !publish(e.topics.PanelState(e.panelID), []byte(snap.ArmedState)) {
		e.discardSnapshot()
		return
	}
	for _, serial := range snap.Serials() {
		payload, err := sensorPayload(snap.Sensors[serial])
		if err != nil {
			errs = append(errs, fmt.Errorf("encoding sensor %s: %w", serial, err))
			continue
		}
		if !publish(e.topics.SensorState(serial), payload) {
			e.discardSnapshot()
			return
		}
	}
	if err := errors.Join(errs...); err != nil {
		e.logError("failed to publish panel state", err)
	}

	e.pubMu.Lock()
	newSerials := false
	for serial := range snap.Sensors {
		if !e.knownSerials[serial] {
			e.knownSerials[serial] = true
			newSerials = true
		}
	}
	serials := e.knownSerialsLocked()
	e.pubMu.Unlock()

	e.snapshot.Store(snap)
	if e.metrics != nil {
		e.metrics.RecordSnapshot(snap)
	}

	if newSerials {
		e.logInfo("new sensors seen, republishing discovery", "sensors", len(serials))
		e.publishDiscovery(serials)
	}

	e.pubMu.Lock()
	e.stale = false
	e.lastErr = ""
	e.pubMu.Unlock()

	e.publishStatus()
	e.updates.Notify()
}

func (e *Engine) authenticated() bool {
	return e.session.Snapshot().State == alarm.StateAuthenticated
}

func (e *Engine) discardSnapshot() {
	e.logDebug("session changed during poll, discarding result")
	e.markStale(alarm.ErrNeedsReauth)
}

// publishIfChanged publishes a retained payload unless it equals the last
// payload successfully published on topic. It returns errSessionLost
// without publishing when the session is no longer AUTHENTICATED.
func (e *Engine) publishIfChanged(topic string, payload []byte) error {
	e.pubMu.Lock()
	last, seen := e.lastPublished[topic]
	e.pubMu.Unlock()
	if seen && last == string(payload) {
		return nil
	}
	if !e.authenticated() {
		return errSessionLost
	}

	if err := e.mqtt.Publish(topic, payload, e.qos, true); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	e.counters.messagesSent.Add(1)

	e.pubMu.Lock()
	e.lastPublished[topic] = string(payload)
	e.pubMu.Unlock()
	return nil
}

// markStale records a failed or skipped tick.
func (e *Engine) markStale(err error) {
	e.pubMu.Lock()
	changed := !e.stale || e.lastErr != err.Error()
	e.stale = true
	e.lastErr = err.Error()
	e.pubMu.Unlock()

	if changed {
		e.publishStatus()
		e.updates.Notify()
	}
}

// publishStatus publishes the status message if it differs from the last
// one published.
func (e *Engine) publishStatus() {
	e.pubMu.Lock()
	payload, err := json.Marshal(e.statusLocked())
	if err != nil {
		e.pubMu.Unlock()
		e.logError("failed to encode status", err)
		return
	}
	if string(payload) == string(e.lastStatus) {
		e.pubMu.Unlock()
		return
	}
	e.lastStatus = payload
	e.pubMu.Unlock()

	if err := e.mqtt.Publish(e.topics.PanelStatus(e.panelID), payload, e.qos, true); err != nil {
		e.logError("failed to publish status", err)
		e.pubMu.Lock()
		if string(e.lastStatus) == string(payload) {
			e.lastStatus = nil
		}
		e.pubMu.Unlock()
		return
	}
	e.counters.messagesSent.Add(1)
}

func (e *Engine) statusLocked() StatusMessage {
	ss := e.session.Snapshot()
	msg := StatusMessage{
		SessionState:      ss.State,
		Stale:             e.stale,
		ChallengeDeadline: ss.ChallengeDeadline,
		LastError:         e.lastErr,
	}
	if msg.LastError == "" && ss.State != alarm.StateAuthenticated {
		msg.LastError = ss.LastError
	}
	if snap := e.snapshot.Load(); snap != nil {
		at := snap.FetchedAt
		msg.SnapshotAt = &at
	}
	return msg
}

// publishDiscovery republishes every descriptor. A nil serials slice means
// all sensors seen so far.
func (e *Engine) publishDiscovery(serials []string) {
	if serials == nil {
		e.pubMu.Lock()
		serials = e.knownSerialsLocked()
		e.pubMu.Unlock()
	}
	if err := e.discovery.Publish(e.panelID, serials); err != nil {
		e.logError("failed to publish discovery", err)
		return
	}
	e.logDebug("discovery published", "panel_id", e.panelID, "sensors", len(serials))
}

func (e *Engine) knownSerialsLocked() []string {
	serials := make([]string, 0, len(e.knownSerials))
	for serial := range e.knownSerials {
		serials = append(serials, serial)
	}
	sort.Strings(serials)
	return serials
}

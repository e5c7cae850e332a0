package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/sector-bridge/internal/alarm"
	"github.com/nerrad567/sector-bridge/internal/audit"
)

// handleMessage is the MQTT handler for <ns>/+/set.
//
// Commands are never queued: while one is in flight for the panel, the next
// is rejected with ErrCommandInFlight. Nothing is published on the state
// topic here; the next poll confirms the result. Results and audit writes
// happen on tracked goroutines because this runs on paho's router.
func (e *Engine) handleMessage(topic string, payload []byte) error {
	panelID, ok := e.topics.ParsePanelSet(topic)
	if !ok {
		e.logWarn("ignoring message on unexpected topic", "topic", topic)
		return nil
	}

	e.dispatchMu.RLock()
	defer e.dispatchMu.RUnlock()
	if e.stopped {
		return nil
	}

	cmd := alarm.Command{
		ID:         uuid.NewString(),
		PanelID:    panelID,
		ReceivedAt: e.now(),
	}

	if panelID != e.panelID {
		e.reject(cmd, fmt.Errorf("%w: unknown panel %q", alarm.ErrCommandRejected, panelID))
		return nil
	}

	action, err := alarm.ParseAction(string(payload))
	if err != nil {
		e.reject(cmd, err)
		return nil
	}
	cmd.Action = action

	token, err := e.session.BeginCommand(cmd)
	if err != nil {
		e.reject(cmd, err)
		return nil
	}

	e.logInfo("dispatching command", "command_id", cmd.ID, "panel_id", panelID, "action", action)

	e.wg.Add(1)
	go e.dispatch(cmd, token)
	return nil
}

// dispatch sends one command. The in-flight flag is cleared before the
// result is published, so a client reacting to the result can send again.
func (e *Engine) dispatch(cmd alarm.Command, token string) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(e.ctx, e.commandTimeout)
	defer cancel()

	start := e.now()
	result, err := e.remote.SendCommand(ctx, token, cmd.PanelID, cmd.Action)
	elapsed := e.now().Sub(start)

	e.session.EndCommand(cmd.PanelID)

	if result == "" {
		result = alarm.CommandRejected
		if err == nil || errors.Is(err, alarm.ErrTransient) {
			result = alarm.CommandTransient
		}
	}
	if errors.Is(err, alarm.ErrUnauthorized) {
		e.session.Invalidate(token)
	}

	switch result {
	case alarm.CommandAck:
		e.counters.commandsAcked.Add(1)
	case alarm.CommandRejected:
		e.counters.commandsRejected.Add(1)
	default:
		e.counters.cmdFailed.Add(1)
	}
	if e.metrics != nil {
		e.metrics.RecordCommand(cmd.PanelID, cmd.Action, result, elapsed)
	}

	if err != nil {
		e.logWarn("command failed", "command_id", cmd.ID, "action", cmd.Action, "result", result, "error", err)
	} else {
		e.logInfo("command acknowledged", "command_id", cmd.ID, "action", cmd.Action)
	}
	e.publishResult(cmd, result, err)
	e.recordCommand(cmd, result, err, elapsed)

	if result == alarm.CommandAck {
		e.PollNow()
	}
}

// reject answers a command that was never sent. The caller holds
// dispatchMu and has checked stopped.
func (e *Engine) reject(cmd alarm.Command, err error) {
	e.counters.commandsRejected.Add(1)
	e.logWarn("command rejected", "command_id", cmd.ID, "panel_id", cmd.PanelID, "error", err)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.publishResult(cmd, alarm.CommandRejected, err)
		e.recordCommand(cmd, alarm.CommandRejected, err, 0)
	}()
}

// recordCommand appends the command outcome to the audit log, if one is set.
func (e *Engine) recordCommand(cmd alarm.Command, result alarm.CommandResult, cause error, elapsed time.Duration) {
	if e.audit == nil {
		return
	}

	details := map[string]any{"command_id": cmd.ID}
	if cmd.Action != "" {
		details["action"] = string(cmd.Action)
	}
	if elapsed > 0 {
		details["duration_ms"] = elapsed.Milliseconds()
	}
	if cause != nil {
		details["error"] = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), auditTimeout)
	defer cancel()
	entry := &audit.Entry{
		Action:  audit.ActionCommand,
		PanelID: cmd.PanelID,
		Source:  audit.SourceMQTT,
		Result:  string(result),
		Details: details,
	}
	if err := e.audit.Create(ctx, entry); err != nil {
		e.logError("failed to record command in audit log", err)
	}
}

func (e *Engine) publishResult(cmd alarm.Command, result alarm.CommandResult, cause error) {
	msg := CommandResultMessage{
		CommandID: cmd.ID,
		Action:    cmd.Action,
		Status:    result,
		Timestamp: e.now().UTC(),
	}
	if cause != nil {
		msg.Error = cause.Error()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		e.logError("failed to encode command result", err)
		return
	}
	if err := e.mqtt.Publish(e.topics.CommandResult(cmd.PanelID), payload, e.qos, false); err != nil {
		e.logError("failed to publish command result", err)
		return
	}
	e.counters.messagesSent.Add(1)
}

// Package bridge connects the Sector Alarm cloud to MQTT.
//
// The Engine runs two cooperating activities against one session:
//
//   - A poll loop that fetches the panel snapshot, publishes only the topics
//     whose payload changed and keeps the last snapshot for readers.
//   - Command intake on <ns>/<panel_id>/set. At most one command per panel is
//     in flight; a second one is rejected, never queued or run in parallel.
//
// The poll loop observes session changes through session.Manager.Changes, so
// a 2FA code accepted by the dashboard resumes polling without waiting for
// the next interval.
//
// MQTT Topics:
//
//	<ns>/<panel_id>/state           armed_away | armed_home | disarmed (retained)
//	<ns>/<panel_id>/set             ARM_AWAY | ARM_HOME | DISARM
//	<ns>/<panel_id>/status          StatusMessage (retained)
//	<ns>/<panel_id>/command_result  CommandResultMessage
//	<ns>/sensor/<serial>/state      SensorStatePayload (retained)
//	<ns>/bridge/health              HealthMessage (retained)
package bridge

package influxdb

import (
	"time"

	"github.com/nerrad567/sector-bridge/internal/alarm"
)

// Measurement names.
const (
	MeasurementPolls     = "bridge_polls"
	MeasurementCommands  = "bridge_commands"
	MeasurementSnapshots = "bridge_snapshots"
)

// RecordPoll writes one poll tick.
//
//	bridge_polls,panel_id=01234567,outcome=ok duration_ms=412
func (c *Client) RecordPoll(panelID, outcome string, duration time.Duration) {
	c.writePoint(MeasurementPolls,
		map[string]string{"panel_id": panelID, "outcome": outcome},
		map[string]any{"duration_ms": duration.Milliseconds()},
	)
}

// RecordCommand writes one dispatched command.
//
//	bridge_commands,panel_id=01234567,action=ARM_AWAY,result=ACK duration_ms=1830
func (c *Client) RecordCommand(panelID string, action alarm.Action, result alarm.CommandResult, duration time.Duration) {
	c.writePoint(MeasurementCommands,
		map[string]string{"panel_id": panelID, "action": string(action), "result": string(result)},
		map[string]any{"duration_ms": duration.Milliseconds()},
	)
}

// RecordSnapshot writes the shape of a successful poll. Sensor values are
// not recorded.
//
//	bridge_snapshots,panel_id=01234567 sensors=3i,armed=true
func (c *Client) RecordSnapshot(snap *alarm.PanelSnapshot) {
	if snap == nil {
		return
	}
	c.writePoint(MeasurementSnapshots,
		map[string]string{"panel_id": snap.PanelID},
		map[string]any{
			"sensors": len(snap.Sensors),
			"armed":   snap.ArmedState != alarm.Disarmed,
		},
	)
}

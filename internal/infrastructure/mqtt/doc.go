// Package mqtt provides MQTT client connectivity for the Sector bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and retained flags
//   - Subscriptions, restored after every reconnect
//   - The availability topic (LWT "offline", "online" on connect)
//   - Topic naming for panel, sensor and discovery topics
//
// # Topic Layout
//
//	<ns>/<panel_id>/state           armed_away | armed_home | disarmed (retained)
//	<ns>/<panel_id>/set             ARM_AWAY | ARM_HOME | DISARM (consumed)
//	<ns>/<panel_id>/status          bridge status JSON (retained)
//	<ns>/<panel_id>/command_result  command outcome JSON
//	<ns>/sensor/<serial>/state      {"temperature":..,"humidity":..} (retained)
//	<ns>/bridge/availability        online | offline (retained, LWT)
//	<dp>/<component>/<id>/config    Home Assistant discovery (retained)
//
// # Usage
//
//	topics := mqtt.Topics{Namespace: "sector", DiscoveryPrefix: "homeassistant"}
//	client, err := mqtt.Connect(cfg.MQTT, topics)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.SetOnConnect(func() { /* republish discovery */ })
//	err = client.Subscribe(topics.AllPanelSets(), 1, handler)
package mqtt

// Package discovery builds Home Assistant MQTT discovery descriptors for the
// alarm panel and its housecheck sensors.
//
// Build is a pure function of the panel id and the known sensor serials.
// Publisher sends the result retained, so republishing after a broker
// reconnect or a new sensor is harmless.
package discovery

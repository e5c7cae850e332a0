// Package sector is the HTTP client for the Sector Alarm cloud API.
//
// It implements alarm.RemoteAlarmClient: login with optional two-factor
// challenge, status polling (event log, temperatures, humidity) and
// arm/disarm commands. HTTP failures are mapped onto the alarm error
// sentinels so callers never inspect status codes.
package sector

// Package influxdb records bridge operational metrics in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Client implements the
// bridge engine's Metrics interface: poll outcomes and latency, command
// outcomes, and the shape of each snapshot. Sensor readings are not stored.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.RecordPoll("01234567", "ok", 412*time.Millisecond)
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched according to batch_size and flush_interval; async failures are
// delivered to the SetOnError callback.
package influxdb

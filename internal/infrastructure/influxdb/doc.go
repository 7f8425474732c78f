// Package influxdb ships occupancy telemetry to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Every committed
// counter change, daily reset and toggle outcome becomes one point, so a
// dashboard can chart the room over the day without polling the store.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, influxdb.WithDefaultTag("site", cfg.Site.ID))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	ledger.SetPointWriter(client)
//
// # Error Handling
//
// Writes are batched and non-blocking. Batch errors arrive through the
// SetOnError callback; connection and health check errors are returned.
package influxdb

// Package influxdb stores node readings in InfluxDB 2.x.
//
// It wraps influxdb-client-go v2. Client implements telemetry.Sink: every
// reading becomes one point in the node_readings measurement (or the node's
// own measurement name), tagged node_id, set_id and yggio_node_id, with one
// float field per numeric payload value.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { logger.Warn("influx write", "error", err) })
//
//	recorder := telemetry.NewRecorder(mgr, client, setID)
//
// Writes are non-blocking and batched per the batch_size and flush_interval
// settings.
package influxdb

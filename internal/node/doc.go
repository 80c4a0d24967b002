// Package node manages the Yggio IoT nodes whose output the service records.
//
// A Node pairs a Yggio set ID with a Yggio node ID (both 24-character hex
// object IDs) and gives it a local identifier, a display name and an optional
// InfluxDB measurement name. Nodes are persisted in SQLite through
// SQLiteRepository; the telemetry recorder watches every stored node.
//
//	repo := node.NewSQLiteRepository(db.DB)
//	n := &node.Node{SetID: setID, NodeID: yggioID, Name: "Boiler room"}
//	if err := repo.Create(ctx, n); err != nil {
//	    return err
//	}
//	topic := n.Topic() // yggio/output/v2/{set}/iotnode/{node}
package node

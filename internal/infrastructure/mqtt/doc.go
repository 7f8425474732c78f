// Package mqtt connects Headcount processes to an MQTT broker.
//
// Several processes can share one SQLite database, but each only sees its
// own commits as they happen. The store fan-out uses this client to send
// a small announcement per commit; a process that hears one re-reads the
// path and pushes the value to its own live feeds.
//
//	headcount (A) ↔ broker ↔ headcount (B)
//	      ╲                      ╱
//	       ╲── shared SQLite ───╱
//
// The same connection keeps a retained copy of the count on
// <prefix>/occupancy/count for displays that speak MQTT, and a retained
// online/offline presence on <prefix>/system/status (the offline one is
// also the will).
//
// MQTT is optional; a single process needs no broker. Enable TLS when the
// broker is not on localhost.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	fanout := store.NewFanout(client, client.Topics().StoreChanged(), 1, sqliteStore)
//	if err := fanout.Start(); err != nil {
//	    return err
//	}
package mqtt

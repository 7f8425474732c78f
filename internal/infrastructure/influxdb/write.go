package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoint queues a point stamped now. It satisfies the ledger's
// PointWriter:
//
//	ledger.SetPointWriter(client)
//	// occupancy,action=entered,site=main-hall count=4i
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime queues a point with an explicit timestamp. Points
// written after Close are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

// WriteToggle records one toggle request and how it ended.
func (c *Client) WriteToggle(direction, result string, count int) {
	c.WritePoint("toggle",
		map[string]string{"direction": direction, "result": result},
		map[string]any{"count": count},
	)
}

package mqtt

import "fmt"

// DefaultTopicPrefix is used when mqtt.topic_prefix is empty.
const DefaultTopicPrefix = "headcount"

// Topics provides builders for Headcount MQTT topics.
// Using these helpers keeps topic naming consistent between processes.
//
//	topics := mqtt.Topics{Prefix: "headcount"}
//	topics.StoreChanged()
//	// Returns: "headcount/store/changed"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// StoreChanged carries store change envelopes between processes sharing a database.
//
// Example: headcount/store/changed
func (t Topics) StoreChanged() string {
	return fmt.Sprintf("%s/store/changed", t.prefix())
}

// OccupancyCount carries the current head count as a retained message for
// displays that speak MQTT rather than HTTP.
//
// Example: headcount/occupancy/count
func (t Topics) OccupancyCount() string {
	return fmt.Sprintf("%s/occupancy/count", t.prefix())
}

// SystemStatus is the online/offline status topic, also used for the LWT.
//
// Example: headcount/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.prefix())
}

// All returns a pattern matching every Headcount topic.
//
// Pattern: headcount/#
func (t Topics) All() string {
	return fmt.Sprintf("%s/#", t.prefix())
}

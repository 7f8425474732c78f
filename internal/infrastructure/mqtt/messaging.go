package mqtt

import "fmt"

// maxPayloadSize caps outgoing messages. Change envelopes and counts are
// tiny; anything near this is a bug.
const maxPayloadSize = 64 << 10

func checkTopic(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}

// Publish sends payload to topic and waits for the broker to accept it.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.paho.Publish(topic, qos, retained, payload), publishTimeout, ErrPublishFailed)
}

// PublishRetained publishes a retained message at the configured QoS.
// The occupancy count topic uses it so late subscribers see the current value.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, c.qos(), true)
}

// Subscribe routes messages on topic (wildcards allowed) to handler. The
// route is remembered and re-registered after every reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	c.routes[topic] = route{qos: qos, handler: handler}
	c.mu.Unlock()

	if err := await(c.paho.Subscribe(topic, qos, c.dispatch(handler)), publishTimeout, ErrSubscribeFailed); err != nil {
		c.mu.Lock()
		delete(c.routes, topic)
		c.mu.Unlock()
		return err
	}
	return nil
}

package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefixYggioOutput is the base of Yggio's v2 output topics.
const TopicPrefixYggioOutput = "yggio/output/v2"

// Topics provides builders for Yggio MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topic := mqtt.Topics{}.NodeOutput("5f3e...", "60a1...")
//	// Returns: "yggio/output/v2/5f3e.../iotnode/60a1..."
type Topics struct{}

// NodeOutput returns the topic Yggio publishes an IoT node's output on.
//
// Example: yggio/output/v2/5f3e1a2b3c4d5e6f7a8b9c0d/iotnode/60a1b2c3d4e5f60718293a4b
func (Topics) NodeOutput(setID, nodeID string) string {
	return fmt.Sprintf("%s/%s/iotnode/%s", TopicPrefixYggioOutput, setID, nodeID)
}

// ParseNodeOutput splits a node output topic into its set and node ids.
func (Topics) ParseNodeOutput(topic string) (setID, nodeID string, err error) {
	rest, ok := strings.CutPrefix(topic, TopicPrefixYggioOutput+"/")
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not a node output topic", ErrInvalidTopic, topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "iotnode" || parts[0] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: %q is not a node output topic", ErrInvalidTopic, topic)
	}
	return parts[0], parts[2], nil
}

package mqttbroker

import (
	"fmt"
	"strings"
)

// MatchTopic reports whether topic matches filter using the MQTT
// single-level (+) and multi-level (#) wildcards. Topics starting with $
// are not matched by a leading wildcard.
func MatchTopic(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// ValidFilter checks wildcard placement in a subscription filter.
func ValidFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		switch {
		case l == "#" && i != len(levels)-1:
			return fmt.Errorf("topic filter %q: # must be the last level", filter)
		case l != "#" && l != "+" && strings.ContainsAny(l, "+#"):
			return fmt.Errorf("topic filter %q: wildcard must occupy a whole level", filter)
		}
	}
	return nil
}

func validTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("empty topic name")
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("topic name %q contains wildcards", topic)
	}
	return nil
}

// TopicLevel returns the i-th level of topic, or "" when it has fewer levels.
func TopicLevel(topic string, i int) string {
	levels := strings.Split(topic, "/")
	if i < 0 || i >= len(levels) {
		return ""
	}
	return levels[i]
}

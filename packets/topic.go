package packets

import "strings"

// ValidateFilter checks a SUBSCRIBE/UNSUBSCRIBE topic filter for the
// structural rules MQTT 3.1.1 §4.7 imposes on wildcards: '#' is only legal
// as the final level, '+' must occupy an entire level, and the filter must
// not be empty.
func ValidateFilter(filter string) error {
	if filter == "" {
		return decodeErr("topic filter must not be empty", nil)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return decodeErr("'#' must be the last level of a topic filter", nil)
			}
		case level == "+":
			// valid at any level
		case strings.ContainsAny(level, "#+"):
			return decodeErr("wildcard characters must occupy an entire level", nil)
		}
	}
	return nil
}

// ValidTopicName reports whether topic is usable as a PUBLISH topic name:
// non-empty and free of wildcard characters (MQTT 3.1.1 §4.7.1).
func ValidTopicName(topic string) bool {
	return topic != "" && !containsWildcard(topic)
}

package playapi

import "strings"

// ClassifyMessage buckets a remote error message into a coarse tag so
// reports can separate the common failure kinds without parsing free text
// downstream.
func ClassifyMessage(message string) string {
	lowered := strings.ToLower(message)
	switch {
	case strings.Contains(lowered, "already") && strings.Contains(lowered, "cancel"):
		return "already_cancelled"
	case strings.Contains(lowered, "not found"):
		return "not_found"
	case strings.Contains(lowered, "permission") || strings.Contains(lowered, "forbidden"):
		return "permission"
	default:
		return "other"
	}
}

package docker

import "strings"

// Container names follow "jarvis-<id>" or, for older deployments, "jarvis_<id>".
var namePrefixes = [...]string{"jarvis-", "jarvis_"}

// ServiceIDFromName strips the product prefix from a container name. ok is
// false when the name does not follow the naming convention.
func ServiceIDFromName(name string) (id string, ok bool) {
	name = strings.TrimPrefix(name, "/")
	for _, p := range namePrefixes {
		if rest, found := strings.CutPrefix(name, p); found && rest != "" {
			return rest, true
		}
	}
	return "", false
}

// isManaged reports whether a container belongs to the platform, by label or
// by name. The name rule covers containers that predate labeling.
func isManaged(name string, labels map[string]string) bool {
	if labels[ManagedLabel] == "true" {
		return true
	}
	_, ok := ServiceIDFromName(name)
	return ok
}

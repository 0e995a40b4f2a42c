package domain

import "github.com/google/uuid"

// assistantNamespace is the UUIDv5 namespace for deterministic default
// assistant ids, so a graph maps to the same assistant across restarts
// and instances.
var assistantNamespace = uuid.MustParse("6ba7b821-9dad-11d1-80b4-00c04fd430c8")

// DefaultAssistantID derives the stable assistant id for a graph.
func DefaultAssistantID(graphID string) string {
	return uuid.NewSHA1(assistantNamespace, []byte(graphID)).String()
}

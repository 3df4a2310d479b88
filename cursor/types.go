package cursor

import "github.com/hazyhaar/chanarchive/cursor/internal/store"

// Re-exported types from internal/store for use by cmd/ and external callers.
type (
	Channel     = store.Channel
	Message     = store.Message
	Run         = store.Run
	Stats       = store.Stats
	ListOptions = store.ListOptions
)

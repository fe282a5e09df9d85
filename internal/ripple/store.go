package ripple

// Store is the durable local key-value collaborator. Implementations
// must be crash-safe at single-key granularity; the sync layer is the
// only writer, so no cross-process locking is required.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(key string) (value string, ok bool, err error)

	// Set writes value under key, replacing any existing value.
	Set(key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error

	// MultiRemove deletes every key in keys.
	MultiRemove(keys []string) error

	// Keys returns all stored keys beginning with prefix.
	Keys(prefix string) ([]string, error)

	// Close releases any underlying resources.
	Close() error
}

// Durable store keys shared across components. Per-entity queue keys
// come from EntityType.QueueKey and per-conversation message caches
// from MessagesKey.
const (
	KeyIDMap            = "offline_id_map"
	KeyCommitLog        = "offline_commit_log"
	KeyConversations    = "chat_conversations"
	KeyLastConnectivity = "connectivity_last_state"
	KeyMediaQueue       = "media_upload_queue"

	APICachePrefix  = "api_cache_"
	ChatCachePrefix = "chat_messages_"
)

// MessagesKey returns the store key for a conversation's message cache.
func MessagesKey(conversationID string) string {
	return ChatCachePrefix + conversationID
}

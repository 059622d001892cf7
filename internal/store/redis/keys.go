package redis

const (
	// KeyPrefixStash is the prefix for predisable stashes
	KeyPrefixStash = "httpdsync:stash:"
	// KeyPrefixConcurrency is the prefix for concurrency reports
	KeyPrefixConcurrency = "httpdsync:concurrency:"
	// ChangesChannel carries desired-state change notifications. The payload
	// is the name of the entity table that changed.
	ChangesChannel = "httpdsync:changes"
)

// StashKey returns the Redis key for the stash of one virtual host
func StashKey(site, vhost string) string {
	return KeyPrefixStash + site + ":" + vhost
}

// ConcurrencyKey returns the Redis key for an instance's last report
func ConcurrencyKey(instance string) string {
	return KeyPrefixConcurrency + instance
}

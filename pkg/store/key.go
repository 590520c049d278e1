package store

import (
	"strings"
)

// keyPrefix namespaces account entries in shared key spaces.
const keyPrefix = "balance:account:"

// AccountKey returns the redis key for an account.
// Format: balance:account:<id>
//
// Example:
//
//	balance:account:alice
func AccountKey(account string) string {
	return keyPrefix + strings.TrimSpace(account)
}

// accountFromKey reverses AccountKey. ok is false for foreign keys.
func accountFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, keyPrefix) {
		return "", false
	}
	account := strings.TrimPrefix(key, keyPrefix)
	return account, account != ""
}

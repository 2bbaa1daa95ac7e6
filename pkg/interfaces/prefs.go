// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

// Prefs is a key-value persistence capability for session preferences such
// as the remembered gateway URL or the last selected device. It is injected
// into the session rather than reached through a global.
type Prefs interface {
	// Get returns the stored value for key, or "" when absent.
	Get(key string) string

	// Set stores value under key and persists it.
	Set(key, value string) error

	// Delete removes key when present.
	Delete(key string) error
}

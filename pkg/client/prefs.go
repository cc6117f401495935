package client

import (
	"errors"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "audit-stream"
	keyringKey     = "realtime-updates"
)

// PreferenceStore persists whether the user wants push delivery. The
// choice survives restarts so a user who switched to polling stays there.
type PreferenceStore interface {
	RealtimeEnabled() (bool, error)
	SetRealtimeEnabled(enabled bool) error
}

// KeyringPreferences stores the preference in the OS credential store.
type KeyringPreferences struct{}

func NewKeyringPreferences() KeyringPreferences {
	return KeyringPreferences{}
}

// RealtimeEnabled defaults to true when no preference has been saved yet.
func (KeyringPreferences) RealtimeEnabled() (bool, error) {
	value, err := keyring.Get(keyringService, keyringKey)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return true, nil
		}
		return true, err
	}
	return value != "false", nil
}

func (KeyringPreferences) SetRealtimeEnabled(enabled bool) error {
	value := "true"
	if !enabled {
		value = "false"
	}
	return keyring.Set(keyringService, keyringKey, value)
}

// MemoryPreferences is an in-process store for tests and environments
// without a credential service.
type MemoryPreferences struct {
	enabled bool
}

func NewMemoryPreferences(enabled bool) *MemoryPreferences {
	return &MemoryPreferences{enabled: enabled}
}

func (m *MemoryPreferences) RealtimeEnabled() (bool, error) { return m.enabled, nil }

func (m *MemoryPreferences) SetRealtimeEnabled(enabled bool) error {
	m.enabled = enabled
	return nil
}

package vault

import "time"

// CredentialState is the rotation lifecycle state of a vault entry,
// adapted from pkg/credentials/rotation.go's CredentialState
// enum (Active/Expired/Revoked) with Rotated added for the vault's
// update-in-place oauth2 refresh path.
type CredentialState string

const (
	StateActive  CredentialState = "active"
	StateExpired CredentialState = "expired"
	StateRevoked CredentialState = "revoked"
	StateRotated CredentialState = "rotated"
)

// Revoke marks the entry at (protocol, target) revoked without deleting
// it, so a subsequent Get still resolves the entry (for audit purposes)
// but callers holding it must treat it as unusable.
func (s *Store) Revoke(protocol, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return ErrCorrupt
	}
	entry, ok := s.entries[storageKey(protocol, target)]
	if !ok {
		return ErrNotFound
	}
	entry.State = StateRevoked
	return s.persist()
}

// CheckExpiry transitions any Active entry whose ExpiresAt has passed to
// Expired, and reports whether (protocol, target) is currently usable.
// Grounded on RotationManager.CheckExpiry's sweep, narrowed to a single
// entry since the vault has no background sweeper — callers check lazily
// on each Get.
func (s *Store) CheckExpiry(protocol, target string, now time.Time) (CredentialState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return "", ErrCorrupt
	}
	entry, ok := s.entries[storageKey(protocol, target)]
	if !ok {
		return "", ErrNotFound
	}
	if entry.State == StateActive && entry.ExpiresAt != nil && now.After(*entry.ExpiresAt) {
		entry.State = StateExpired
		if err := s.persist(); err != nil {
			return "", err
		}
	}
	return entry.State, nil
}

// IsUsable reports whether state permits the credential to be handed to a
// caller: only Active and Rotated (freshly refreshed) entries qualify.
func (st CredentialState) IsUsable() bool {
	return st == StateActive || st == StateRotated
}

// MarkExpired transitions an entry directly to Expired, used when a
// caller discovers the underlying token is no longer refreshable (an
// OAuth refresh attempt failed) even though ExpiresAt has not yet passed.
func (s *Store) MarkExpired(protocol, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return ErrCorrupt
	}
	entry, ok := s.entries[storageKey(protocol, target)]
	if !ok {
		return ErrNotFound
	}
	entry.State = StateExpired
	return s.persist()
}

// MarkRotated transitions an entry to Rotated, recording that its
// credential material changed underneath an existing session without the
// caller having to re-request it. UpdateOAuth calls this internally.
func (s *Store) MarkRotated(protocol, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return ErrCorrupt
	}
	entry, ok := s.entries[storageKey(protocol, target)]
	if !ok {
		return ErrNotFound
	}
	entry.State = StateRotated
	return s.persist()
}

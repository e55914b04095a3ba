package store

// Quota accounting. The check and the delta always run under the store lock
// together with the metadata mutation they guard, so two concurrent uploads
// cannot both pass the limit check before either commits.

// CheckLimit reports whether the user can store additionalBytes more without
// exceeding their limit. A limit of 0 means unlimited.
func (s *Store) CheckLimit(userID string, additionalBytes int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return false
	}
	return checkLimit(u, additionalBytes)
}

func checkLimit(u *User, additionalBytes int64) bool {
	if u.StorageLimit == 0 {
		return true
	}
	return u.StorageUsed+additionalBytes <= u.StorageLimit
}

// applyDeltaLocked adjusts a user's storage_used by delta (which may be
// negative) and persists the user set. Caller holds the write lock.
func (s *Store) applyDeltaLocked(userID string, delta int64) error {
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.StorageUsed += delta
	if u.StorageUsed < 0 {
		u.StorageUsed = 0
	}
	return s.saveUsersLocked()
}

// Usage returns a user's current (used, limit) in bytes.
func (s *Store) Usage(userID string) (used, limit int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, 0, ErrNotFound
	}
	return u.StorageUsed, u.StorageLimit, nil
}

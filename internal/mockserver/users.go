package mockserver

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// userStore 只保存 bcrypt 哈希
type userStore struct {
	mu     sync.RWMutex
	hashes map[string][]byte
}

func newUserStore(users []UserConfig, cost int) (*userStore, error) {
	s := &userStore{hashes: make(map[string][]byte, len(users))}
	for _, u := range users {
		if u.Username == "" {
			return nil, fmt.Errorf("user without username")
		}
		if u.PasswordHash != "" {
			s.hashes[u.Username] = []byte(u.PasswordHash)
			continue
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), cost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password for %s: %w", u.Username, err)
		}
		s.hashes[u.Username] = hash
	}
	return s, nil
}

func (s *userStore) verify(username, password string) bool {
	s.mu.RLock()
	hash, ok := s.hashes[username]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

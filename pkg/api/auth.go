package api

import (
	"golang.org/x/crypto/bcrypt"
)

// checkCredentials verifies a username and password against the configured
// bcrypt hashes.
func (s *server) checkCredentials(username, password string) bool {
	hash, ok := s.users[username]
	if !ok {
		return false
	}

	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

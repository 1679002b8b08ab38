package auth

import "golang.org/x/crypto/bcrypt"

// hashPassword hashes a plaintext password with bcrypt. The cost stays at the
// library default; raising it is a config-free redeploy.
func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// checkPassword reports whether plain matches the stored bcrypt hash.
func checkPassword(plain, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}

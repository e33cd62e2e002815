package web

import (
	"context"
	"fmt"
	"net/http"
	"os"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/umputun/prefkeeper/app/prefs"
	"github.com/umputun/prefkeeper/app/store"
)

// User is a record of the users file
type User struct {
	ID       string `yaml:"id"`
	Password string `yaml:"password"` // bcrypt hash
	Plan     string `yaml:"plan"`
	Email    string `yaml:"email"`
}

// Users authenticates principals against bcrypt hashes
type Users struct {
	byID map[string]User
}

type principalCtxKey struct{}

// dummyHash is compared for unknown users, so lookup failures take as long as wrong passwords
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("prefkeeper-dummy"), bcrypt.MinCost)

// LoadUsers reads the users file
func LoadUsers(file string) (*Users, error) {
	data, err := os.ReadFile(file) //nolint:gosec // file from cli options
	if err != nil {
		return nil, fmt.Errorf("can't read users file %s: %w", file, err)
	}
	var f struct {
		Users []User `yaml:"users"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("can't parse users file %s: %w", file, err)
	}
	return NewUsers(f.Users)
}

// NewUsers makes Users from records. IDs must be valid document keys and passwords bcrypt hashes.
func NewUsers(users []User) (*Users, error) {
	res := &Users{byID: make(map[string]User, len(users))}
	for i, u := range users {
		id, err := store.SanitizeKey(u.ID)
		if err != nil {
			return nil, fmt.Errorf("user %d: %w", i+1, err)
		}
		if _, err := bcrypt.Cost([]byte(u.Password)); err != nil {
			return nil, fmt.Errorf("user %q: password must be a bcrypt hash: %w", id, err)
		}
		if _, dup := res.byID[id]; dup {
			return nil, fmt.Errorf("user %q: duplicate id", id)
		}
		u.ID = id
		res.byID[id] = u
	}
	log.Printf("[INFO] %d users loaded", len(res.byID))
	return res, nil
}

// Authenticate checks credentials and returns the principal
func (u *Users) Authenticate(id, password string) (prefs.Principal, bool) {
	user, found := u.byID[id]
	hash := []byte(user.Password)
	if !found {
		hash = dummyHash
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !found {
		return prefs.Principal{}, false
	}
	return prefs.Principal{ID: user.ID, Plan: user.Plan, Email: user.Email}, true
}

// Len returns the number of users
func (u *Users) Len() int {
	return len(u.byID)
}

// authMiddleware requires basic auth and puts the principal to the request context
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok {
			if p, valid := s.users.Authenticate(username, password); valid {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalCtxKey{}, p)))
				return
			}
			log.Printf("[WARN] failed login for %q from %s", username, r.RemoteAddr)
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="prefkeeper"`)
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	})
}

// principalFrom returns the principal set by authMiddleware
func principalFrom(ctx context.Context) (prefs.Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(prefs.Principal)
	return p, ok
}

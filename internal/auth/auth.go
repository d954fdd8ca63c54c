package auth

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Class is the authorization tier of an operation.
type Class int

const (
	// Read covers browsing, streaming and downloading.
	Read Class = iota + 1
	// Mutate covers uploads into the staging area.
	Mutate
	// Admin covers approve, reject and delete. Admin additionally requires
	// the request to originate from a loopback address, credential or not.
	Admin
)

// BasicUser is the fixed BasicAuth username for the shared credential.
const BasicUser = "user"

// Gate authorizes requests against an optional shared credential and the
// originating address. An empty PasswordBcrypt disables the credential
// check entirely; Admin stays loopback-only regardless.
type Gate struct {
	// PasswordBcrypt is the bcrypt hash of the shared password, or "".
	PasswordBcrypt string
	// Realm is used in the WWW-Authenticate challenge.
	Realm string
}

// HasCredential reports whether a shared credential is configured.
func (g Gate) HasCredential() bool { return g.PasswordBcrypt != "" }

// Authorize checks r against the given class. It returns the HTTP status
// to deny with (401 or 403), or 0 when the request is allowed.
func (g Gate) Authorize(r *http.Request, c Class) int {
	if c == Admin && !isLoopback(r.RemoteAddr) {
		return http.StatusForbidden
	}
	if !g.HasCredential() {
		return 0
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return http.StatusUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(BasicUser)) != 1 {
		// Burn the same bcrypt work for a wrong username.
		_ = bcrypt.CompareHashAndPassword([]byte(g.PasswordBcrypt), []byte(pass))
		return http.StatusUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(g.PasswordBcrypt), []byte(pass)) != nil {
		return http.StatusUnauthorized
	}
	return 0
}

// Require wraps next, denying requests that fail Authorize for class c.
// 401 responses carry a BasicAuth challenge so browsers prompt.
func (g Gate) Require(c Class, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch g.Authorize(r, c) {
		case 0:
			next.ServeHTTP(w, r)
		case http.StatusUnauthorized:
			g.Challenge(w)
		default:
			http.Error(w, "forbidden", http.StatusForbidden)
		}
	})
}

// Challenge writes a 401 with the BasicAuth realm.
func (g Gate) Challenge(w http.ResponseWriter) {
	realm := g.Realm
	if realm == "" {
		realm = "media"
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// isLoopback reports whether remoteAddr resolves to a loopback interface.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	host = strings.Trim(host, "[]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

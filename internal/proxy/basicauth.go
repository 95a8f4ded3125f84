package proxy

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

// BasicAuth wraps a handler requiring HTTP basic auth for it using the given
// username and password and the specified realm, which shouldn't contain
// quotes. Credentials are compared as sha256 digests in constant time.
//
// Most web browsers display a dialog with something like:
//
//	The website says: "<realm>"
//
// so the realm works better as a message than as an actual realm.
func BasicAuth(handler http.HandlerFunc, username, password, realm string) http.HandlerFunc {
	wantUser := sha256.Sum256([]byte(username))
	wantPass := sha256.Sum256([]byte(password))

	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()

		gotUser := sha256.Sum256([]byte(user))
		gotPass := sha256.Sum256([]byte(pass))

		if !ok ||
			subtle.ConstantTimeCompare(gotUser[:], wantUser[:]) != 1 ||
			subtle.ConstantTimeCompare(gotPass[:], wantPass[:]) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n")) //nolint:errcheck

			return
		}

		handler(w, r)
	}
}

package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/kenneth/sharecrypt/internal/crypto"
	"github.com/kenneth/sharecrypt/internal/middleware"
)

// Share headers of an upload.
const (
	ShareWithHeader = "X-Sharecrypt-Share-With"
	PublicHeader    = "X-Sharecrypt-Public"
)

// ClientCredentials identify the user acting on a request.
type ClientCredentials struct {
	User string
	// Password is set when the client sent basic auth; it unlocks a locked
	// private key on demand.
	Password string
}

// ExtractCredentials reads the acting user from basic auth or the user
// header. Without either, the owner of the addressed resource acts.
func ExtractCredentials(r *http.Request, owner string) (*ClientCredentials, error) {
	if user, password, ok := r.BasicAuth(); ok {
		if user == "" {
			return nil, fmt.Errorf("basic auth without user name")
		}
		return &ClientCredentials{User: user, Password: password}, nil
	}
	if user := strings.TrimSpace(r.Header.Get(middleware.UserHeader)); user != "" {
		return &ClientCredentials{User: user}, nil
	}
	if owner == "" {
		return nil, fmt.Errorf("no user in request")
	}
	return &ClientCredentials{User: owner}, nil
}

// ExtractAccessList builds the access list of an upload from the share
// headers. The acting user and the owner always get access.
func ExtractAccessList(r *http.Request, user, owner string) crypto.AccessList {
	list := crypto.AccessList{}
	seen := make(map[string]bool)
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u != "" && !seen[u] {
			seen[u] = true
			list.Users = append(list.Users, u)
		}
	}

	add(owner)
	add(user)
	for _, v := range r.Header.Values(ShareWithHeader) {
		for _, u := range strings.Split(v, ",") {
			add(u)
		}
	}
	list.Public = strings.EqualFold(r.Header.Get(PublicHeader), "true")
	return list
}

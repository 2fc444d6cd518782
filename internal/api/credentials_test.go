package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sharecrypt/internal/middleware"
)

func TestExtractCredentials(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *http.Request)
		owner   string
		want    *ClientCredentials
		wantErr bool
	}{
		{
			name:  "basic auth",
			setup: func(r *http.Request) { r.SetBasicAuth("bob", "secret") },
			owner: "alice",
			want:  &ClientCredentials{User: "bob", Password: "secret"},
		},
		{
			name:  "user header",
			setup: func(r *http.Request) { r.Header.Set(middleware.UserHeader, " carol ") },
			owner: "alice",
			want:  &ClientCredentials{User: "carol"},
		},
		{
			name:  "basic auth wins over header",
			setup: func(r *http.Request) {
				r.SetBasicAuth("bob", "pw")
				r.Header.Set(middleware.UserHeader, "carol")
			},
			want: &ClientCredentials{User: "bob", Password: "pw"},
		},
		{
			name:  "owner fallback",
			setup: func(r *http.Request) {},
			owner: "alice",
			want:  &ClientCredentials{User: "alice"},
		},
		{
			name:    "nobody",
			setup:   func(r *http.Request) {},
			wantErr: true,
		},
		{
			name:    "empty basic auth user",
			setup:   func(r *http.Request) { r.SetBasicAuth("", "pw") },
			owner:   "alice",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/files/alice/a.txt", nil)
			tt.setup(req)
			got, err := ExtractCredentials(req, tt.owner)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractAccessList(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/files/alice/a.txt", nil)
	req.Header.Add(ShareWithHeader, "bob, carol")
	req.Header.Add(ShareWithHeader, "alice,dave")
	req.Header.Set(PublicHeader, "TRUE")

	list := ExtractAccessList(req, "bob", "alice")
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, list.Users)
	assert.True(t, list.Public)

	plain := ExtractAccessList(httptest.NewRequest(http.MethodPut, "/", nil), "alice", "alice")
	assert.Equal(t, []string{"alice"}, plain.Users)
	assert.False(t, plain.Public)
}

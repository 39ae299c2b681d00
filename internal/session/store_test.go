package session

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	tok, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		name    string
		claims  gojwt.MapClaims
		want    Identity
		wantErr bool
	}{
		{"sub claim", gojwt.MapClaims{"sub": "u-1", "role": "admin"}, Identity{UserID: "u-1", Role: "admin"}, false},
		{"legacy id claim", gojwt.MapClaims{"id": "u-2"}, Identity{UserID: "u-2"}, false},
		{"userId claim", gojwt.MapClaims{"userId": "u-3"}, Identity{UserID: "u-3"}, false},
		{"no subject", gojwt.MapClaims{"role": "user"}, Identity{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIdentity(signedToken(t, tt.claims))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseIdentity_Garbage(t *testing.T) {
	_, err := ParseIdentity("not-a-jwt")
	assert.Error(t, err)
}

func TestStore_Identity(t *testing.T) {
	s := NewStore("")
	_, err := s.Identity()
	assert.ErrorIs(t, err, ErrNoCredential)

	s.Login(signedToken(t, gojwt.MapClaims{"sub": "u-9"}))
	id, err := s.Identity()
	require.NoError(t, err)
	assert.Equal(t, "u-9", id.UserID)
}

func TestStore_ObserversSeeChangesOnly(t *testing.T) {
	s := NewStore("a")

	var seen []string
	cancel := s.Subscribe(func(c string) { seen = append(seen, c) })

	s.Login("a") // unchanged
	s.Login("b")
	s.Logout()
	s.Logout() // unchanged
	cancel()
	s.Login("c")

	assert.Equal(t, []string{"b", ""}, seen)
	assert.Equal(t, "c", s.Credential())
}

func TestReadCredentialFile(t *testing.T) {
	dir := t.TempDir()

	got, err := ReadCredentialFile(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, got)

	path := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(path, []byte("  tok-1\n"), 0o600))
	got, err = ReadCredentialFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got)
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0o600))

	s := NewStore("")
	var mu sync.Mutex
	var seen []string
	s.Subscribe(func(c string) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	})

	src, err := WatchFile(path, s, zerolog.Nop())
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, "first", s.Credential(), "initial contents load synchronously")

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	assert.Eventually(t, func() bool { return s.Credential() == "second" }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool { return s.Credential() == "" }, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", ""}, seen)
	assert.NoError(t, src.Close())
}

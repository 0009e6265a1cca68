package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newRequest(cookie, bearer string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if cookie != "" {
		r.AddCookie(&http.Cookie{Name: CookieName, Value: cookie})
	}
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	return r
}

func TestJWTAcceptsCookieAndBearer(t *testing.T) {
	v, err := NewJWT([]byte("s3cret"))
	require.NoError(t, err)
	tok, err := v.Sign("u1", time.Hour)
	require.NoError(t, err)

	user, err := v.Authenticate(newRequest(tok, ""), "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", user)

	user, err = v.Authenticate(newRequest("", tok), "")
	require.NoError(t, err)
	require.Equal(t, "u1", user)
}

func TestJWTRejectsMismatchedUser(t *testing.T) {
	v, _ := NewJWT([]byte("s3cret"))
	tok, _ := v.Sign("u1", time.Hour)
	_, err := v.Authenticate(newRequest(tok, ""), "u2")
	require.ErrorIs(t, err, ErrUserMismatch)
}

func TestJWTRejectsBadTokens(t *testing.T) {
	v, _ := NewJWT([]byte("s3cret"))
	other, _ := NewJWT([]byte("other"))

	foreign, _ := other.Sign("u1", time.Hour)
	_, err := v.Authenticate(newRequest(foreign, ""), "u1")
	require.ErrorIs(t, err, ErrInvalidToken)

	expired, _ := v.Sign("u1", -time.Hour)
	_, err = v.Authenticate(newRequest(expired, ""), "u1")
	require.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Authenticate(newRequest(unsigned, ""), "u1")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Authenticate(newRequest("", ""), "u1")
	require.ErrorIs(t, err, ErrNoToken)
}

func TestJWTAcceptsSubjectOnlyTokens(t *testing.T) {
	v, _ := NewJWT([]byte("s3cret"))
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u9",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	user, err := v.Authenticate(newRequest("", tok), "u9")
	require.NoError(t, err)
	require.Equal(t, "u9", user)
}

func TestInsecureTrustsClaimedUser(t *testing.T) {
	user, err := Insecure{}.Authenticate(newRequest("", ""), "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", user)

	_, err = Insecure{}.Authenticate(newRequest("", ""), " ")
	require.ErrorIs(t, err, ErrNoUser)
}

func TestNewJWTRequiresSecret(t *testing.T) {
	_, err := NewJWT(nil)
	require.Error(t, err)
}

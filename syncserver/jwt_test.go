package syncserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-timelimit/internal/auth"
)

func TestJWTAuth_GenerateAndValidate(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("family-1", "devic1", time.Hour)
	require.NoError(t, err)

	claims, err := jwtAuth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "devic1", claims.DeviceID)
	require.Equal(t, "family-1", claims.Subject)
	require.Equal(t, "go-timelimit", claims.Issuer)
	require.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Second)
}

func TestJWTAuth_Rejections(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	other, err := NewJWTAuth("secret-2").GenerateToken("family-1", "devic1", time.Hour)
	require.NoError(t, err)
	expired, err := jwtAuth.GenerateToken("family-1", "devic1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	noDevice, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Subject:   "family-1",
		},
	}).SignedString(jwtAuth.secret)
	require.NoError(t, err)
	noFamily, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		DeviceID: "devic1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwtAuth.secret)
	require.NoError(t, err)
	badDevice, err := (&JWTAuth{secret: jwtAuth.secret, now: time.Now}).GenerateToken("family-1", "device-with-dashes", time.Hour)
	require.NoError(t, err)
	wrongMethod, _ := jwt.NewWithClaims(jwt.SigningMethodRS256, &JWTClaims{DeviceID: "devic1"}).SigningString()

	for name, token := range map[string]string{
		"empty":          "",
		"malformed":      "not.a.jwt",
		"other secret":   other,
		"expired":        expired,
		"missing device": noDevice,
		"missing family": noFamily,
		"bad device id":  badDevice,
		"wrong method":   wrongMethod,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := jwtAuth.ValidateToken(token)
			require.Error(t, err)
		})
	}
}

func TestJWTAuth_Middleware(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	var gotFamily, gotDevice string
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFamily, _ = auth.GetFamilyID(r.Context())
		gotDevice, _ = auth.GetDeviceID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"error":"authentication_required","message":"missing bearer token"}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "authentication_failed")

	token, err := jwtAuth.GenerateToken("family-1", "devic1", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "family-1", gotFamily)
	require.Equal(t, "devic1", gotDevice)
}

package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/engine"
)

const secret = "s3cret"

func TestIssueAndParseToken(t *testing.T) {
	tok, err := IssueToken("ops", []string{RoleReader}, secret, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(tok, secret)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, Issuer, claims.Issuer)
	assert.Equal(t, []string{RoleReader}, claims.Roles)

	_, err = ParseToken(tok, "other")
	assert.Error(t, err)
}

func TestParseTokenRejects(t *testing.T) {
	sign := func(claims Claims, method jwt.SigningMethod, key any) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	now := time.Now()

	expired := sign(Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer: Issuer, Subject: "ops", ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
	}}, jwt.SigningMethodHS256, []byte(secret))
	_, err := ParseToken(expired, secret)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	foreign := sign(Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer: "someone-else", Subject: "ops", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}, jwt.SigningMethodHS256, []byte(secret))
	_, err = ParseToken(foreign, secret)
	assert.Error(t, err)

	noExpiry := sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer, Subject: "ops"}},
		jwt.SigningMethodHS256, []byte(secret))
	_, err = ParseToken(noExpiry, secret)
	assert.Error(t, err)

	unsigned := sign(Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer: Issuer, Subject: "ops", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType)
	_, err = ParseToken(unsigned, secret)
	assert.Error(t, err)
}

func TestEmptySecretIsRefused(t *testing.T) {
	_, err := IssueToken("ops", nil, "", time.Hour)
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = ParseToken("x.y.z", "")
	assert.ErrorIs(t, err, ErrNoSecret)
}

func newApp(mw ...fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if appErr, ok := err.(*engine.AppError); ok {
				return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
			}
			return fiber.DefaultErrorHandler(c, err)
		},
	})
	handlers := append(mw, func(c *fiber.Ctx) error {
		user := GetUser(c)
		return c.JSON(fiber.Map{"id": user.Subject, "roles": user.Roles})
	})
	app.Get("/me", handlers...)
	return app
}

func get(t *testing.T, app *fiber.App, authz string) int {
	t.Helper()
	req := httptest.NewRequest("GET", "/me", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestMiddleware(t *testing.T) {
	app := newApp(Middleware(secret))
	tok, err := IssueToken("ops", []string{RoleReader}, secret, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 401, get(t, app, ""))
	assert.Equal(t, 401, get(t, app, "Token "+tok))
	assert.Equal(t, 401, get(t, app, "Bearer garbage"))
	assert.Equal(t, 200, get(t, app, "Bearer "+tok))
	assert.Equal(t, 200, get(t, app, "bearer "+tok))
}

func TestRequireRole(t *testing.T) {
	app := newApp(Middleware(secret), RequireRole(RoleReader))
	issue := func(roles ...string) string {
		tok, err := IssueToken("ops", roles, secret, time.Hour)
		require.NoError(t, err)
		return "Bearer " + tok
	}

	assert.Equal(t, 200, get(t, app, issue(RoleReader)))
	assert.Equal(t, 200, get(t, app, issue(RoleAdmin)))
	assert.Equal(t, 403, get(t, app, issue("billing")))

	adminOnly := newApp(Middleware(secret), RequireAdmin())
	assert.Equal(t, 403, get(t, adminOnly, issue(RoleReader)))
	assert.Equal(t, 200, get(t, adminOnly, issue(RoleAdmin)))

	unauthenticated := newApp(RequireAdmin())
	assert.Equal(t, 401, get(t, unauthenticated, ""))
}

package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive-api/internal/middleware"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func protectedApp() *fiber.App {
	app := fiber.New()
	app.Get("/", middleware.JWTProtected(testSecret), func(c *fiber.Ctx) error {
		id, _ := c.Locals("user_id").(string)
		return c.SendString(id)
	})
	return app
}

func performAuth(t *testing.T, app *fiber.App, authorization string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authorization != "" {
		req.Header.Set(fiber.HeaderAuthorization, authorization)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestJWTProtectedValidToken(t *testing.T) {
	app := protectedApp()
	userID := uuid.NewString()
	token := signToken(t, testSecret, jwt.MapClaims{"sub": userID})

	resp := performAuth(t, app, "Bearer "+token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestJWTProtectedFallbackClaim(t *testing.T) {
	app := protectedApp()
	token := signToken(t, testSecret, jwt.MapClaims{"user_id": uuid.NewString()})

	resp := performAuth(t, app, "Bearer "+token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestJWTProtectedMissingHeader(t *testing.T) {
	resp := performAuth(t, protectedApp(), "")
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestJWTProtectedWrongSecret(t *testing.T) {
	app := protectedApp()
	token := signToken(t, "another-secret", jwt.MapClaims{"sub": uuid.NewString()})

	resp := performAuth(t, app, "Bearer "+token)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestJWTProtectedSubjectRequired(t *testing.T) {
	app := protectedApp()
	token := signToken(t, testSecret, jwt.MapClaims{"aud": "taskhive"})

	resp := performAuth(t, app, "Bearer "+token)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestJWTProtectedMalformedHeader(t *testing.T) {
	resp := performAuth(t, protectedApp(), "Token abc")
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

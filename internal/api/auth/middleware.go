package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// AccountHeader names the account when token auth is disabled
const AccountHeader = "X-Account-ID"

// RequireAccount resolves the account for every request. With a token service
// the account comes from a Bearer token, or from the token query parameter for
// WebSocket upgrades. Without one it comes from the X-Account-ID header and
// falls back to defaultAccount.
func RequireAccount(tokenService *TokenService, defaultAccount string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if tokenService == nil {
				account := strings.TrimSpace(c.Request().Header.Get(AccountHeader))
				if account == "" {
					account = defaultAccount
				}
				if account == "" {
					return echo.NewHTTPError(http.StatusUnauthorized, "Account required")
				}
				c.Set(string(AccountContextKey), account)
				return next(c)
			}

			tokenString := c.QueryParam("token")
			if authHeader := c.Request().Header.Get("Authorization"); authHeader != "" {
				tokenParts := strings.Split(authHeader, " ")
				if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
					return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
				}
				tokenString = tokenParts[1]
			}
			if tokenString == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
			}

			account, err := tokenService.ValidateAccessToken(tokenString)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}
			c.Set(string(AccountContextKey), account)
			return next(c)
		}
	}
}

package auth

import "github.com/labstack/echo/v4"

// ContextKey represents keys for context values
type ContextKey string

// AccountContextKey holds the resolved account id on the echo context
const AccountContextKey ContextKey = "account"

// AccountID returns the account resolved by RequireAccount, or ""
func AccountID(c echo.Context) string {
	id, _ := c.Get(string(AccountContextKey)).(string)
	return id
}

// Package auth provides bearer-token authentication for the mcp-broker API.
//
// # Tokens
//
// Callers authenticate with HS256 JWTs signed with auth.jwt_secret (at least
// 32 bytes). The "sub" claim is the caller's user ID; an optional "roles"
// claim may carry "admin".
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate("42", 30*24*time.Hour)
//
// The mcp-broker token command mints tokens from the configured secret.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware rejects requests without a valid bearer token and
// attaches an AuthContext to the request context. Handlers read it with
// FromContext. A subject may only touch isolation keys whose user ID equals
// the subject unless it holds the admin role (see AuthContext.CanActFor).
// RequireAdminHTTP gates tool-server management.
//
// When no secret is configured the API runs without authentication and
// handlers see a nil AuthContext.
package auth

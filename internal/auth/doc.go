// Package auth provides authentication for the huddle-chat HTTP API and
// realtime socket.
//
// # Tokens
//
// Clients present an HS256 JWT whose "sub" claim is their numeric user id:
//
//	Authorization: Bearer <token>
//
// Browser WebSocket clients, which cannot set headers, may pass the same
// token as the access_token query parameter. Tokens are minted with
// JWTVerifier.Generate (see the "token" CLI command).
//
// # Middleware
//
// HTTPAuthMiddleware verifies the token, resolves the user in the directory
// and stores an Identity (user id and role) in the request context:
//
//	id := auth.FromContext(r.Context())
//
// Unknown users are rejected with 401. When no verifier is configured the
// middleware trusts the X-Huddle-User header instead. The gateway only
// builds it that way when auth.dev_mode is set explicitly.
package auth

// Package auth handles both sides of fieldtrack's authentication.
//
// # Upstream Tokens
//
// The location feed is authorized with a short-lived access token passed as a
// query parameter. A Provider hands out the cached token and refreshes it on
// demand:
//
//	provider := auth.NewHTTPProvider(auth.HTTPProviderConfig{
//	    RefreshURL: cfg.Upstream.RefreshURL,
//	    Store:      auth.NewFileCredentialStore(cfg.Credentials.TokenFile),
//	    Login:      &auth.PasswordLogin{URL: cfg.Upstream.LoginURL, ...},
//	})
//
// Concurrent Refresh calls share a single exchange. When the upstream rejects
// the refresh token (expired or blacklisted) the provider falls back to the
// configured Authenticator; without one, Refresh fails with ErrAuthFailure and
// the operator has to log in again.
//
// Access token expiry is read from the JWT exp claim without verifying the
// signature. Opaque tokens are treated as valid until the upstream says
// otherwise.
//
// # Consumer API
//
// The HTTP API is protected with HS256 bearer tokens signed with
// auth.jwt_secret:
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier)(api))
//
// The verified subject is available to handlers through FromContext.
package auth

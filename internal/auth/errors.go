package auth

import "errors"

// ErrTokenExpired is returned when a token's expiry is in the past.
var ErrTokenExpired = errors.New("token expired")

// ErrTokenInvalid is returned for malformed, tampered or otherwise
// unverifiable tokens.
var ErrTokenInvalid = errors.New("token invalid")

// ErrBadCredentials is returned when a login attempt fails. The same error
// covers unknown usernames and wrong passwords.
var ErrBadCredentials = errors.New("bad credentials")

package auth

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrLocked             = errors.New("account is temporarily locked")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token has expired")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
)

// Package auth guards the mutating API routes with static operator bearer
// tokens. Tokens are kept only as SHA-256 digests and compared in constant
// time.
package auth

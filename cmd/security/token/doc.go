// Package token provides revoke-token primitives for burnbox.
//
// A revoke token is handed to the uploader once and lets them delete the object
// before it is consumed or expires. Only a digest is stored.
//
// Design goals:
//   - Default dev mode: unkeyed BLAKE2b-256(token) when no key is configured.
//   - Production-enforced mode: keyed BLAKE2b-256(token, key) when policy requires it.
//   - Stable 64-char hex output for storage and constant-time comparison.
package token

// Package api provides the REST client for the chat backend.
//
// Endpoints:
//   - POST /auth/login: exchange username/password for an access token
//   - GET /messages: one page of a room's history (roomId, limit, before)
//
// Every request carries the current bearer token. 5xx and 429 responses are
// retried with jittered exponential backoff; a 401 is reported through
// APIError.IsUnauthorized and never retried.
package api

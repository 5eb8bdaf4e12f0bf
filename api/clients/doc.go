// Package clients provides an HTTP client for the recovery backend API.
//
// RecoveryClient covers the three audiences of the API:
//
//   - the wallet owner (guardian management, wallet, session keys), authenticated
//     by the X-User-ID header an upstream gateway would normally set
//   - guardians, authenticated by the invitation or portal token in the URL
//   - anyone holding a recovery request id, dispute token or session token
//
// Failed requests return an *APIError carrying the status code and the
// decoded error body, so callers can read the remaining time-lock or the
// spending limit details.
package clients

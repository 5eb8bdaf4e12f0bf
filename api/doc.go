/*
Package api holds the HTTP wire types and error mapping shared by the recovery
backend's handlers and clients.

Subpackages:

  - owner: wallet owner API, recovery initiation and completion, session keys
  - portal: token-authenticated guardian portal
  - clients: Go client for the whole API

# Errors

WriteError maps domain errors to status codes:

	400 invalid input          401 unknown or wrong token
	403 revoked session        404 unknown entity, no seedless wallet
	409 state conflicts        410 expired invitation, request or session
	422 spending limit         423 recovery time-lock still running

Every error body is an ErrorResponse. A 423 carries remaining_hours and
can_execute_at; a 422 carries the limit, the amount already spent and the
requested value. Errors not known to the domain are logged and reported as a
bare 500.

Request bodies are limited to 1 MiB and unknown fields are rejected.
*/
package api

// Package main (cmd/recoveryctl) is a command-line client for the recovery
// backend API.
//
// Commands are grouped by audience:
//
//	user       register an account
//	guardians  invite, list and remove guardians (owner)
//	wallet     show the seedless wallet, verify or rotate its shards (owner)
//	portal     view, accept or decline an invitation, message the owner, vote (guardian)
//	recovery   initiate, inspect, dispute and complete recovery requests
//	session    create, list, use and revoke session keys
//
// Owner commands need --user-id, which stands in for the identity an
// authenticating gateway would assert. Responses are printed as JSON.
package main

// Package kms implements threshold key management for seedless wallets.
//
// A wallet master key is split with Shamir's Secret Sharing over GF(2^8) into one
// shard per guardian. Any threshold of shards reconstructs the key; fewer reveal
// nothing about it.
//
// # Shard Encryption
//
// Each raw share is sealed with AES-256-GCM before it leaves the Manager. The
// sealing key is derived with HKDF-SHA256:
//
//	salt = "seedless-shard-v<version>"
//	ikm  = server secret of <version>
//	info = "<userID>:<index>"
//
// so every (user, index) pair has its own key and no per-guardian key material
// is stored. The sealed share carries the user id, index and version as
// additional authenticated data, which makes shards non-transferable between
// users or slots.
//
// # Integrity
//
// Every shard stores the hex SHA-256 of its ciphertext. Combine verifies the hash
// in constant time before decrypting and excludes mismatching shards, reporting
// them as *interfaces.IntegrityError inside *interfaces.InsufficientShardsError
// when the remaining shards no longer meet the threshold.
//
// # Versioning
//
// Server secrets are versioned. Shards and session keys record the version they
// were sealed under and remain readable while that secret is configured. New
// material always uses the current version, and Rotate re-seals existing shards.
//
// # Memory Hygiene
//
// Reconstructed secrets, raw shares and derived keys are overwritten with Wipe as
// soon as they are no longer needed.
package kms

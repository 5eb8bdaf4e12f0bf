// Package storage archives encrypted guardian shards in content-addressed
// storage backends.
//
// Every shard ciphertext is mirrored to the archive under its SHA-256, which is
// also the shard's integrity hash. When the copy held in the database fails
// verification during recovery, the archived copy with the same hash is used
// instead. Archived content is already encrypted; backends never see plaintext.
//
// # Backends
//
//   - FileBackend: local directory, for development and single-host deployments
//   - S3Backend: Amazon S3 or compatible object storage, private objects with SSE
//   - IPFSBackend: files in an IPFS node's mutable file system
//   - VaultBackend: HashiCorp Vault KV v2, token or TLS client certificate auth
//
// MultiArchive writes to every available backend and reads from the first that
// has the content.
//
// # Location URIs
//
//	file:///var/lib/seedless/archive
//	s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=minio:9000
//	ipfs://127.0.0.1:5001/seedless-shards?timeout=30s
//	vault://[TOKEN@]vault.example.com:8200/secret/seedless?scheme=https
//
// Backends verify that fetched content hashes to the requested ID and report
// interfaces.ErrContentMismatch otherwise. MultiArchive then tries the next backend.
package storage

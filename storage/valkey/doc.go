// Package valkey provides a Valkey storage backend for RP records.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. This backend makes the broker suitable for deployments that require:
//
//   - Shared RP records across multiple broker instances
//   - Persistence across restarts
//   - High availability with clustering
//
// # Key Schema
//
// All keys use a configurable prefix (default "rpbroker:") to avoid conflicts
// with other applications sharing the same Valkey instance:
//
//	{prefix}rp:{rpID} -> JSON(storage.Rp)
//
// Records carry no TTL: an RP registration lives until it is explicitly
// removed. Cached credentials inside a record carry their own expiry metadata
// and are re-acquired by the broker when stale.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "rpbroker:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Credential Encryption at Rest
//
// Sensitive record fields (client secrets, user secrets, cached PAT, OAuth,
// and RPT values) can be encrypted before storing in Valkey:
//
//	secret, _ := security.GenerateSecret()
//	encryptor, _ := security.NewEncryptor(secret)
//	store.SetEncryptor(encryptor)
//
// When enabled, credentials are encrypted with AES-256-GCM before storage and
// automatically decrypted when retrieved. Non-secret metadata stays plaintext
// so records remain inspectable with standard tooling.
//
// # Best Practices
//
//   - Always use TLS in production environments
//   - Set strong passwords for Valkey authentication
//   - Enable credential encryption at rest for sensitive deployments
//   - Use dedicated Valkey instances or databases for broker storage
package valkey

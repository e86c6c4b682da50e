// Package license holds the licensing domain: record types, the key
// service, the effective-status state machine and domain normalization.
//
// # Architecture Overview
//
// The engine is built from small, mostly pure components:
//
//	- KeyService: generation, hashing and verification of license keys
//	- EffectiveStatus: derives the status a license has right now from
//	  its stored attributes and the clock
//	- NormalizeDomain / IsExemptDomain: canonical hostnames and the
//	  developer-domain allow list
//
// Everything stateful (the activation ledger, storage, rate limiting)
// lives in sibling packages and consumes these primitives.
//
// # Key Handling
//
// Plaintext keys are never persisted. A key is reduced to a salted
// HMAC-SHA256 (the primary hash) plus a second HMAC of that hash under a
// different secret, so a leaked hash table alone is not enough to forge
// lookups. Verification is constant time.
package license

// Package natsclient holds the NATS connection used by the distributed dedup store.
//
// Only the key-value surface is exposed: CreateKeyValueBucket gets or creates a bucket
// (its TTL is the dedup expiration), and KVStore offers Create, the atomic
// set-if-absent primitive, plus Get and Delete with normalized not-found and conflict
// errors.
package natsclient

// Package secrets implements the Bifrost secret vault: AES-256-GCM
// encryption of configuration values as {encrypted}<base64> tokens.
//
// The 256-bit key never exists on disk in one piece. It is split into
// three fragments, each XOR-masked with a random 32-byte mask, and stored
// as master_key.part1..part3 plus master_key.mask under the secret
// directory ($BIFROST_SECRET_HOME or ~/.bifrost). The files are written
// 0600. The directory must be owner-only; the vault refuses to operate
// otherwise. The permissions of the individual files are not checked.
//
// A token's payload decodes to nonce(12) || ciphertext || tag(16).
// Decryption failures are fatal at configuration time and identify the
// field path without echoing plaintext or ciphertext.
package secrets

// Package config defines the Bifrost Bridge configuration model and its
// loading pipeline.
//
// Configuration is read from a JSON document (the canonical format) or a
// YAML document (accepted for operator convenience; it is normalized to the
// same strict decoding path). Unknown fields are rejected at load time so
// typos fail fast instead of being silently ignored.
//
// The loading sequence is:
//
//  1. Read and strictly decode the file
//  2. Map legacy fields (timeout_secs -> connect_timeout_secs)
//  3. Apply defaults
//  4. Validate the final configuration
//  5. Decrypt {encrypted} secret values through the vault (done by the
//     caller after validation; Load itself stops at step 4)
//
// The resulting Config is treated as an immutable snapshot for the lifetime
// of the process; engines hold shared references and never mutate it.
package config

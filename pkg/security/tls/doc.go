// Package tls loads server-side TLS contexts from PEM files (PKCS#8 keys,
// certificates with optional intermediate chain) and hot-reloads the
// certificate when the files change on disk, so renewals do not require a
// restart. The rest of the system only consumes the opaque *tls.Config.
package tls

// Package static implements the static file engine: ordered mounts with
// per-mount flag inheritance, segment-boundary prefix matching, index
// files, directory listings, SPA fallback with an asset-extension
// exclusion list, cache-policy headers, and streaming file responses.
package static

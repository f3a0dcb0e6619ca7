package reverse

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"bifrost-hq/bifrost/pkg/routing"
)

// maxRetryBodyBytes bounds the in-memory buffer that makes request bodies
// replayable. Bigger bodies stream straight through with retries disabled
// for that request; no truncation, no streaming replay.
const maxRetryBodyBytes = 4 << 20

// processWithRetries dispatches a request, retrying against alternate
// targets when the route's policy allows it.
func (e *Engine) processWithRetries(w http.ResponseWriter, r *http.Request, route *routing.Route, ctx *routing.RequestContext) {
	policy := route.Retry

	if policy == nil || policy.MaxAttempts <= 1 || !policy.AllowsMethod(r.Method) {
		e.processSingle(w, r, route, ctx)
		return
	}

	body, replayable, err := bufferBody(r)
	if err != nil {
		e.fail(w, http.StatusBadRequest, "protocol", "Bad Request")
		return
	}
	if !replayable {
		e.processSingle(w, r, route, ctx)
		return
	}

	excluded := make(map[string]bool)
	var lastResp *http.Response
	var lastCookie string
	var lastErr error

	for attempt := uint32(0); attempt < policy.MaxAttempts; attempt++ {
		ctx.Attempt = int(attempt)
		selection, selErr := e.selector.Select(route, r, ctx, excluded)
		if selErr != nil {
			// Exclusions exhausted the targets; fall back to the best
			// earlier outcome.
			if lastResp != nil {
				e.writeResponse(w, lastResp, lastCookie)
				return
			}
			if lastErr != nil {
				break
			}
			e.fail(w, http.StatusServiceUnavailable, "routing", "No healthy targets available")
			return
		}
		excluded[selection.Target.ID] = true

		r.Body = io.NopCloser(bytes.NewReader(body))
		resp, err := e.roundTrip(r, route, selection.Target, ctx)
		if err != nil {
			if policy.RetryOnConnectError && attempt+1 < policy.MaxAttempts {
				lastErr = err
				continue
			}
			e.upstreamError(w, err)
			return
		}

		if policy.ShouldRetryStatus(resp.StatusCode) && attempt+1 < policy.MaxAttempts {
			if lastResp != nil {
				lastResp.Body.Close()
			}
			lastResp = resp
			lastCookie = selection.SetCookie
			continue
		}

		if lastResp != nil {
			lastResp.Body.Close()
		}
		e.writeResponse(w, resp, selection.SetCookie)
		return
	}

	if lastResp != nil {
		e.writeResponse(w, lastResp, lastCookie)
		return
	}
	e.upstreamError(w, lastErr)
}

// processSingle is the no-retry path: select once, stream straight
// through.
func (e *Engine) processSingle(w http.ResponseWriter, r *http.Request, route *routing.Route, ctx *routing.RequestContext) {
	selection, err := e.selector.Select(route, r, ctx, nil)
	if err != nil {
		e.fail(w, http.StatusServiceUnavailable, "routing", "No healthy targets available")
		return
	}

	resp, err := e.roundTrip(r, route, selection.Target, ctx)
	if err != nil {
		e.upstreamError(w, err)
		return
	}
	e.writeResponse(w, resp, selection.SetCookie)
}

func (e *Engine) upstreamError(w http.ResponseWriter, err error) {
	if e.logger != nil && err != nil {
		e.logger.Error("upstream request failed", "error", err)
	}
	e.fail(w, http.StatusBadGateway, "upstream", "Bad Gateway")
}

// bufferBody reads the request body into memory for replay. Returns
// replayable=false when the body exceeds the buffer limit; the partial
// read is stitched back onto the request so the single-attempt path can
// still stream it.
func bufferBody(r *http.Request) ([]byte, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, true, nil
	}

	limited := io.LimitReader(r.Body, maxRetryBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	if int64(len(body)) > maxRetryBodyBytes {
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
		return nil, false, nil
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, true, nil
}

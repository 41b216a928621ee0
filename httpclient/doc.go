// Package httpclient provides the client used to talk to the production API.
//
// Every request goes through one dispatch path that enforces a local
// fixed-window rate ceiling, attaches the stored bearer token, adds a
// cache-busting "_t" parameter to GETs and propagates X-Request-ID.
//
// A 401 triggers at most one token refresh per client at a time. Requests that
// fail while the refresh is running are parked and replayed in arrival order
// with the new token; when the refresh fails they are rejected, the stored
// session is cleared and the session-expired handler runs once.
//
// A 429 is retried once after the server's Retry-After delay. All failures
// are returned as *APIError:
//
//	resp, err := client.Get(ctx, "/produccion", nil)
//	if httpclient.IsCode(err, httpclient.CodeSessionExpired) {
//		// back to the login screen
//	}
package httpclient

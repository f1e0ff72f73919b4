// Package credentials supplies long-connection endpoints and tenant access tokens
// from the Feishu open platform.
//
// Provider calls the platform over HTTP, caches the tenant access token until shortly
// before it expires and retries transient failures with exponential backoff. Platform
// responses that reject the app credentials are classified as fatal so the connection
// manager stops instead of reconnecting forever.
//
// Static returns fixed values and is meant for tests and fixed deployments.
package credentials

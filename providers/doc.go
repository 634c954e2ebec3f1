// Package providers holds the pieces shared by the platform adapters: the
// OAuth2 token endpoint client, the rate-limited API call helper and
// response classification. Adapters live in the facebook, googleads and tiktok
// subpackages.
package providers

// Package core holds the ad-connection domain, its contracts and the
// orchestration service. Storage, transport and platform adapters depend on
// this package; core never imports them.
package core

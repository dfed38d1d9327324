//go:build e2e

// Package e2e runs the interop server against a real Chrome.
//
// The tests are kept out of the default suite by the e2e build tag. They
// need Chrome, which Rod downloads when none is installed:
//
//	go test -tags=e2e ./e2e/...
//
// Each test starts its own server on a random port and its own browser, so
// tests may run in parallel.
package e2e

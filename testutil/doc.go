// Package testutil provides shared helpers for fabric tests: redis
// fixtures, message factories and event capture.
package testutil

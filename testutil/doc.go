// Package testutil provides test doubles and helpers shared across
// marketflow test suites.
package testutil

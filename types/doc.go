// Package types provides core types shared across marketflow.
// This package has ZERO dependencies on other marketflow packages to avoid
// circular imports. All other packages should import types from here.
package types

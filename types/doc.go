// Package types provides core types used across the gateflow gateway.
// This package has ZERO dependencies on other gateflow packages to avoid
// circular imports. All other packages should import types from here.
package types

// Package tool defines the contract boundary shared by every stage of a tool
// call.
//
// The package is split by concern:
//   - entry: registry entries and the in-memory registry
//   - error: the structured error taxonomy (ToolError codes)
//   - retry: the retry governor with exponential backoff and jitter
//   - store: persistence for entries outside a registry file
//   - observability: process-wide observer hooks
package tool

// Package middleware adapts the engine to net/http.
//
//   - [Guard] validates the bearer access token and stores the result in the
//     request context.
//   - [RequireRole] restricts a route to some roles.
//   - [WriteError] and [StatusFor] translate engine errors into HTTP status
//     codes and a JSON body.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does not parse
// tokens or touch Redis itself.
package middleware

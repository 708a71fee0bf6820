// Package server hosts the Fiber HTTP service, request middleware chain, and
// scope registry glue that wires path-prefix resolution into proxy handlers.
// The middleware assigns request ids, identifies page clients through the
// swproxy_client cookie and attaches the matching ScopeRoute; everything
// under /-/ is reserved for diagnostics registered by the routes package.
// Keep exports narrow and accept explicit dependencies.
package server

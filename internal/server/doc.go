// Package server hosts the Fiber HTTP service, request middleware chain, and
// app registry glue that wires Host header resolution into the worker hosts.
// One listen port serves every configured app: the router resolves the Host
// header to an AppRoute, stamps a request ID, and hands the request to the
// proxy handler, which turns it into a fetch event for that app's controlling
// worker. Paths under /-/ are reserved for diagnostics and admin routes and
// bypass Host routing.
package server

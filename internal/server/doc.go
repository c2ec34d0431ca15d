// Package server hosts the Fiber HTTP service, the request middleware chain
// and the app registry that maps a Host header to an AppRoute. Each route
// carries the lifecycle runtime that serves the app's offline cache; the
// proxy package turns fiber requests into runtime fetch events, and the
// routes package exposes the /-/apps diagnostics surface on the same listener.
// AttachRuntimes gives every app its own cache root under StoragePath.
package server

// Package mux multiplexes many subscribers onto one controller per resource.
//
// A subscriber is identified by an owner handle chosen by the caller. Each
// (resource, owner) pair holds at most one subscription; the first
// subscription to a resource obtains a controller from the factory and
// starts it, and the controller closes its own transport once its last
// subscriber is gone.
package mux

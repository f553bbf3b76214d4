// Package worker hosts connection controllers, one per path.
//
// Callers on any goroutine may ask for the controller of a path; the host
// hands back the live one or starts a new one. Each controller then runs in
// its own goroutine and is only reached through its message API.
package worker

// Package negotiate fetches the sub-protocols a stream endpoint accepts.
//
// The endpoint is queried with GET {base}/{resource} and answers
//
//	{"protocols": ["v2.orders", "v1.orders"]}
//
// A 404 or an empty list means the resource is not ready yet.
package negotiate

// Package master implements the authority side of entity locks. An Arbiter
// serializes holders of each owner's token, Server answers mirrors through a
// gateway, and Resolver lets proxies on the master process acquire without a
// network round trip.
package master

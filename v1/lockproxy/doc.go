// Package lockproxy provides a per-entity proxy for a lock whose authority
// lives on a master node. Entities replicated across processes ("mirrors")
// use the proxy to take the master's lock with reentrant semantics: the
// remote token is requested once and released once per fully nested
// Lock/Release cycle, no matter how many local callers take part.
//
// Callers that arrive while a request is in flight are parked behind it and
// woken together when the master answers. When the local process is itself
// the master, acquisition is delegated to the in-process arbiter and the
// network is not used.
package lockproxy

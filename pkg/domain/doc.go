// Package domain defines the core types of the federation request gateway:
// server names, X-Matrix credentials, signing payloads, retry timings and the
// protocol error taxonomy.
//
// This package has ZERO dependencies outside the Go standard library. Other
// packages (federation, storage, replication, httpserver) depend on these
// types; the dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain

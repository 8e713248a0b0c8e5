// Package domain defines the core domain types for the fabriclab simulated-fabric control panel.
//
// This package contains the fundamental entities that represent a simulated
// InfiniBand fabric: nodes (switches and host channel adapters), links between
// specific ports, and the Topology aggregate that enforces the fabric's
// consistency rules.
//
// # Core Types
//
// Node represents a fabric element — a Switch or an Hca (host channel
// adapter) — with a unique name and a fixed port count.
//
// Link represents a cable between two specific ports on two distinct nodes.
// A given (node, port) pair is the endpoint of at most one link; the Topology
// enforces this port exclusivity across the whole fabric.
//
// Topology is the mutable aggregate. Every mutating operation is atomic: on
// failure the topology is left exactly as it was before the call.
//
// # Design Principles
//
// - No database or external dependencies
// - Pure domain logic without infrastructure concerns
// - Closed kind enumeration; unknown kinds are rejected at the boundary
// - Deterministic listings so serialization is byte-stable
package domain

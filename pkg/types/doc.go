// Package types defines the shared domain types used across all effectivetray
// packages.
//
// These types form the lingua franca between the permission filter, the
// target partitioner, the effect engine, the damage applicator and the
// delegation dispatcher. Each package defines its own working types, but the
// records that cross package and wire boundaries live here to avoid circular
// imports.
package types

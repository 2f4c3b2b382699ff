// SPDX-License-Identifier: MIT

// Package registry maps user-chosen aliases to the physical tables that
// hold matrices, and garbage-collects tables nothing refers to any more.
//
// The alias table is a kvstore table with one row per alias. Reference
// counts live on the matrix tables themselves, in the metadata row, so a
// table can be collected by anyone holding its path. Unbind removes the
// alias first and collects afterwards; a crash in between leaves an
// orphan that Sweep reclaims.
package registry

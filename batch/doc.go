// SPDX-License-Identifier: MIT

// Package batch runs map/combine jobs over kvstore tables.
//
// A Job names an input table and scan filter, a registered transform (map)
// and an optional registered combine (reduce), an output (a table, a
// sequence file, or nothing) and job-scoped configuration. Functions are
// referenced by name rather than by value so that a job description can be
// shipped to workers that registered the same names at start-up.
//
// Execution model of the Local engine:
//
//	scan input ─► split into contiguous row ranges
//	           ─► map tasks (bounded errgroup)      emit (key, value)
//	           ─► shuffle: stable sort by key bytes, group equal keys
//	           ─► combine tasks (bounded errgroup)  Put rows / Emit records
//	           ─► output: table puts, or one sequence file in key order
//
// Every Submit returns a Handle; Wait blocks, Status polls. Run is the
// submit-and-wait shorthand used by drivers that strictly sequence phases.
//
// Keys and values are raw bytes; Marshal/Unmarshal provide the deterministic
// CBOR encoding shared by all transforms in this module.
package batch

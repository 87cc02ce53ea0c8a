// Package proofs implements the tamper-evidence primitives used by the
// ledger: every transfer is folded into a Keccak-256 digest chain so that an
// auditor can recompute the chain and detect rewritten or dropped entries.
package proofs

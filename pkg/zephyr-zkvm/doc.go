// Package zephyrzkvm is the public surface of the Zephyr zkVM, a STARK
// proving pipeline for the ZV32 guest instruction set.
//
// A program compiled to ZV32 is executed by a deterministic runtime,
// split into bounded shards, and each shard is proved by an AIR/FRI
// argument over the Goldilocks field. A recursion layer re-verifies
// shard proofs inside a circuit and an aggregation controller reduces
// the shard sequence to a single root proof whose size is independent
// of execution length.
//
// # Quick start
//
// Proving a program and verifying the result:
//
//	program, err := zephyrzkvm.NewProgram(code, nil, zephyrzkvm.CodeBase)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	proof, err := zephyrzkvm.Prove(ctx, program, []uint32{3, 4}, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := zephyrzkvm.Verify(proof, program.Digest()); err != nil {
//		log.Fatal(err)
//	}
//
// Proofs serialize canonically:
//
//	data, err := proof.MarshalBinary()
//	...
//	var decoded zephyrzkvm.RecursiveProof
//	if err := decoded.UnmarshalBinary(data); err != nil {
//		// an *Error with code ErrDecode: the bytes were not a proof
//	}
//
// # Architecture
//
// The repository splits into a stable public surface and a private
// implementation:
//
//   - pkg/zephyr-zkvm/: public API (this package)
//   - internal/zephyr-zkvm/: executor, chip set, commitment/STARK
//     engine, recursion compiler and aggregation controller
//
// Implementation details under internal/ can be refactored without
// breaking the public API.
//
// # Faults
//
// All failures carry an ErrorCode. Guest execution faults
// (ErrExecution) abort a run before any proof exists; verification
// rejections (ErrConstraintViolation, ErrProximityFailure,
// ErrVerification) name what the proof failed; ErrDecode is
// serialization only and never implies anything about validity.
//
// The final wrap into an external pairing-based proof system is outside
// this module; WrapInputs exports the root statement it consumes.
package zephyrzkvm

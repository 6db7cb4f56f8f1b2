package zephyrzkvm

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/aggregate"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/chips"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/stark"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/utils"
)

// Prove executes the program on the given input and aggregates the
// shard proofs into a single recursive proof. A nil cfg uses the
// defaults. Guest faults are returned as ErrExecution; no proof is ever
// produced for a faulting run.
func Prove(ctx context.Context, program *Program, stdin []uint32, cfg *Config) (*RecursiveProof, error) {
	if program == nil {
		return nil, errf(ErrInvalidInput, nil, "nil program")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errf(ErrInvalidConfig, err, "invalid configuration")
	}
	log := utils.NewLogger(cfg.LogLevel)

	limits := executor.DefaultLimits()
	limits.MaxShardCycles = cfg.MaxShardCycles
	limits.MaxTotalCycles = cfg.MaxTotalCycles

	rt := executor.NewRuntime(program, stdin, limits, log)
	recs, deferred, err := rt.Run(ctx)
	if err != nil {
		return nil, classify(err, ErrUnknown, "execution failed")
	}

	scfg := stark.FromUtils(cfg)
	gpk, gvk, err := stark.Setup(scfg, chips.GuestMachine(), program, log)
	if err != nil {
		return nil, errf(ErrInvalidConfig, err, "guest machine setup")
	}

	leaves := make([]aggregate.Leaf, len(recs)+len(deferred))
	var g errgroup.Group
	for i, rec := range recs {
		i, rec := i, rec
		g.Go(func() error {
			p, err := gpk.Prove(rec)
			if err != nil {
				return err
			}
			leaves[i] = aggregate.Leaf{Proof: p, VK: gvk}
			return nil
		})
	}
	if len(deferred) > 0 {
		dpk, dvk, err := stark.Setup(scfg, chips.DeferredMachine(), program, log)
		if err != nil {
			return nil, errf(ErrInvalidConfig, err, "deferred machine setup")
		}
		for j, rec := range deferred {
			j, rec := j, rec
			g.Go(func() error {
				p, err := dpk.Prove(rec)
				if err != nil {
					return err
				}
				leaves[len(recs)+j] = aggregate.Leaf{Proof: p, VK: dvk, Deferred: true}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, errf(ErrProofGeneration, err, "shard proving")
	}

	ctrl, err := aggregate.NewController(scfg, cfg.ReduceArity, log)
	if err != nil {
		return nil, errf(ErrInvalidConfig, err, "aggregation setup")
	}
	res, err := ctrl.Aggregate(ctx, leaves)
	if err != nil {
		return nil, classify(err, ErrProofGeneration, "aggregation failed")
	}

	return &RecursiveProof{
		Root:    res.Proof,
		Levels:  res.Levels,
		Arity:   cfg.ReduceArity,
		Summary: res.Public,
		Stdin:   rt.InputChunks(),
		Stdout:  rt.OutputChunks(),
	}, nil
}

// Verify checks a recursive proof against the expected program digest:
// the leaf statement chain, the IO word binding, the seal chain of the
// reduce tree, and finally the root proof itself
func Verify(proof *RecursiveProof, expected common.Hash) error {
	if proof == nil || proof.Root == nil || len(proof.Levels) < 2 {
		return errf(ErrInvalidInput, nil, "incomplete proof")
	}
	if proof.Arity < 2 || proof.Arity > 4 {
		return errf(ErrInvalidInput, nil, "invalid reduce arity %d", proof.Arity)
	}

	leaves := proof.Levels[0]
	cores, err := checkLeafChain(leaves, expected)
	if err != nil {
		return err
	}
	if err := checkIOBinding(proof, leaves, cores); err != nil {
		return err
	}
	if err := aggregate.CheckSeals(proof.Levels, proof.Arity); err != nil {
		return errf(ErrVerification, err, "seal chain")
	}

	rootPub := proof.Levels[len(proof.Levels)-1][0]
	if proof.Root.Public != rootPub {
		return errf(ErrVerification, nil, "root public values diverge from the tree")
	}

	last := leaves[cores-1]
	s := proof.Summary
	if s.ProgramDigest != expected || s.InputDigest != last.InputDigest ||
		s.OutputDigest != last.OutputDigest || s.ExitCode != last.ExitCode ||
		s.ShardCount != uint32(cores) || s.DeferredDigest != last.DeferredDigest ||
		s.VerifierDigest != rootPub.ProgramDigest {
		return errf(ErrVerification, nil, "summary diverges from the leaf statements")
	}

	vk, ok := aggregate.LookupVerifyingKey(s.VerifierDigest)
	if !ok {
		return errf(ErrVerification, nil, "unknown verifier identifier %x", s.VerifierDigest)
	}
	if err := vk.Verify(proof.Root); err != nil {
		return classify(err, ErrVerification, "root proof rejected")
	}
	return nil
}

// VerifyShard checks one shard proof against its verifying key
func VerifyShard(proof *ShardProof, vk *VerifyingKey) error {
	if proof == nil || vk == nil {
		return errf(ErrInvalidInput, nil, "nil proof or key")
	}
	if err := vk.Verify(proof); err != nil {
		return classify(err, ErrVerification, "shard proof rejected")
	}
	return nil
}

// checkLeafChain pins the leaf statement sequence: core shards chain
// through pc and state digests, exactly the last core shard halts, and
// the deferred leaves account for the recorded deferred digest. Returns
// the core shard count.
func checkLeafChain(leaves []PublicValues, expected common.Hash) (int, error) {
	cores := 0
	for i, pv := range leaves {
		if pv.Halted {
			cores = i + 1
			break
		}
	}
	if cores == 0 {
		return 0, errf(ErrVerification, nil, "no halting core shard")
	}

	for i := 0; i < cores; i++ {
		pv := leaves[i]
		if pv.Shard != uint32(i) || pv.ProgramDigest != expected {
			return 0, errf(ErrVerification, nil, "core shard %d statement mismatch", i)
		}
		if i == 0 {
			if pv.StartInputDigest != (common.Hash{}) || pv.StartOutputDigest != (common.Hash{}) {
				return 0, errf(ErrVerification, nil, "first shard IO chain not seeded empty")
			}
		} else {
			prev := leaves[i-1]
			if prev.NextPC != pv.StartPC || prev.NextStateDigest != pv.StartStateDigest {
				return 0, errf(ErrVerification, nil, "continuation break at shard %d", i)
			}
			if prev.InputDigest != pv.StartInputDigest || prev.OutputDigest != pv.StartOutputDigest {
				return 0, errf(ErrVerification, nil, "IO digest chain break at shard %d", i)
			}
		}
		if pv.Halted != (i == cores-1) {
			return 0, errf(ErrVerification, nil, "halt flag out of place at shard %d", i)
		}
	}

	final := leaves[cores-1].DeferredDigest
	defs := leaves[cores:]
	if len(defs) == 0 {
		if final != (common.Hash{}) {
			return 0, errf(ErrVerification, nil, "deferred work unaccounted for")
		}
		return cores, nil
	}
	for j, pv := range defs {
		if pv.Shard != uint32(j) || pv.ProgramDigest != expected || pv.Halted {
			return 0, errf(ErrVerification, nil, "deferred shard %d statement mismatch", j)
		}
	}
	if defs[len(defs)-1].DeferredDigest != final {
		return 0, errf(ErrVerification, nil, "deferred digest chain mismatch")
	}
	return cores, nil
}

// checkIOBinding folds the claimed IO word chunks through the digest
// chain and compares against the halting shard's recorded digests
func checkIOBinding(proof *RecursiveProof, leaves []PublicValues, cores int) error {
	if len(proof.Stdin) != cores || len(proof.Stdout) != cores {
		return errf(ErrVerification, nil, "IO chunk count diverges from shard count")
	}
	var in, out common.Hash
	for i := 0; i < cores; i++ {
		in = executor.ChainDigest(in, proof.Stdin[i])
		out = executor.ChainDigest(out, proof.Stdout[i])
	}
	last := leaves[cores-1]
	if in != last.InputDigest || out != last.OutputDigest {
		return errf(ErrVerification, nil, "IO words do not match the recorded digests")
	}
	return nil
}

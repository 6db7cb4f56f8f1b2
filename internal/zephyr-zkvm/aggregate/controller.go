// Package aggregate folds a shard-proof sequence into a single root
// proof through a tree of recursive reductions. Each tree node is a
// recursion shard whose circuit verifies the node's children; the root
// therefore attests to every leaf.
package aggregate

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/recursion"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/stark"
)

// maxInflightReductions bounds how many recursion shards a reduction
// round proves concurrently
const maxInflightReductions = 2

// Leaf is one shard proof entering the reduce tree. Core shards come
// first in shard order, deferred precompile shards follow.
type Leaf struct {
	Proof    *stark.Proof
	VK       *stark.VerifyingKey
	Deferred bool
}

// RootPublic is the statement the root proof distills from the leaf
// sequence
type RootPublic struct {
	ProgramDigest  common.Hash
	InputDigest    common.Hash
	OutputDigest   common.Hash
	ExitCode       uint32
	ShardCount     uint32
	DeferredDigest common.Hash
	// VerifierDigest identifies the root reduction circuit; the outer
	// wrap pins it alongside the public values
	VerifierDigest common.Hash
}

// Result carries the root proof plus the per-level public values needed
// to replay the seal chain down to the leaves
type Result struct {
	Proof  *stark.Proof
	VK     *stark.VerifyingKey
	Levels [][]executor.PublicValues
	Public RootPublic
}

// Controller drives the reduction. Stateless between runs except for
// the proving-key cache, which is keyed by circuit digest and safe to
// share.
type Controller struct {
	cfg   stark.Config
	arity int
	log   zerolog.Logger

	mu   sync.Mutex
	keys map[common.Hash]*nodeKeys
}

type nodeKeys struct {
	pk *stark.ProvingKey
	vk *stark.VerifyingKey
}

// node is one reduce-tree position; leaf tracks the leftmost covered
// leaf index for fault attribution
type node struct {
	proof *stark.Proof
	vk    *stark.VerifyingKey
	pub   executor.PublicValues
	leaf  int
}

// NewController builds a reduction controller with the given fan-in
func NewController(cfg stark.Config, arity int, log zerolog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Hasher != "poseidon2" {
		return nil, fmt.Errorf("aggregate: reduction requires the poseidon2 hasher, got %q", cfg.Hasher)
	}
	if arity < 2 || arity > 4 {
		return nil, fmt.Errorf("aggregate: reduce arity must be in [2, 4], got %d", arity)
	}
	return &Controller{
		cfg:   cfg,
		arity: arity,
		log:   log.With().Str("component", "aggregate").Logger(),
		keys:  make(map[common.Hash]*nodeKeys),
	}, nil
}

// Aggregate reduces the leaf sequence to a single root proof. Children
// of one reduction are proved in parallel; the first failing subtree
// aborts the run with an AggregationFault.
func (c *Controller) Aggregate(ctx context.Context, leaves []Leaf) (*Result, error) {
	if err := checkLeaves(leaves); err != nil {
		return nil, err
	}

	current := make([]*node, len(leaves))
	levels := [][]executor.PublicValues{make([]executor.PublicValues, len(leaves))}
	for i, lf := range leaves {
		current[i] = &node{proof: lf.Proof, vk: lf.VK, pub: lf.Proof.Public, leaf: i}
		levels[0][i] = lf.Proof.Public
	}

	for round := 0; len(current) > 1 || round == 0; round++ {
		groups := chunk(current, c.arity)
		c.log.Debug().Int("round", round).Int("nodes", len(current)).
			Int("groups", len(groups)).Msg("reduction round")

		next := make([]*node, len(groups))
		g, gctx := errgroup.WithContext(ctx)
		// recursion shards carry large witnesses; bounding the in-flight
		// reductions caps the peak trace memory of a round
		g.SetLimit(maxInflightReductions)
		for gi, grp := range groups {
			gi, grp := gi, grp
			g.Go(func() error {
				n, err := c.reduce(gctx, uint32(gi), grp)
				if err != nil {
					return err
				}
				next[gi] = n
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		current = next
		pubs := make([]executor.PublicValues, len(current))
		for i, n := range current {
			pubs[i] = n.pub
		}
		levels = append(levels, pubs)
	}

	root := current[0]
	return &Result{
		Proof:  root.proof,
		VK:     root.vk,
		Levels: levels,
		Public: summarize(leaves, root),
	}, nil
}

// reduce verifies a group of children and proves the recursion shard
// that re-verifies them in circuit form
func (c *Controller) reduce(ctx context.Context, idx uint32, grp []*node) (*node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shapes := make([]recursion.Shape, len(grp))
	childPubs := make([]executor.PublicValues, len(grp))
	proofs := make([]*stark.Proof, len(grp))
	for i, ch := range grp {
		if err := ch.vk.Verify(ch.proof); err != nil {
			return nil, &AggregationFault{Leaf: ch.leaf, Shard: ch.pub.Shard, Cause: err}
		}
		shapes[i] = recursion.Shape{VK: ch.vk, LogHeight: ch.proof.LogHeight}
		childPubs[i] = ch.pub
		proofs[i] = ch.proof
	}

	circuit, err := recursion.ReducerProgram(shapes)
	if err != nil {
		return nil, err
	}
	host, err := recursion.HostProgram(circuit)
	if err != nil {
		return nil, err
	}

	pub := executor.PublicValues{
		ProgramDigest: host.Digest(),
		Shard:         idx,
		Halted:        true,
		OutputDigest:  common.Hash(recursion.ReducedStatementDigest(childPubs)),
	}

	rec, err := recursion.Execute(circuit, recursion.ReduceWitness(proofs), pub)
	if err != nil {
		return nil, &AggregationFault{Leaf: grp[0].leaf, Shard: pub.Shard, Cause: err}
	}

	keys, err := c.nodeKeys(circuit, host)
	if err != nil {
		return nil, err
	}
	proof, err := keys.pk.Prove(rec)
	if err != nil {
		return nil, err
	}
	return &node{proof: proof, vk: keys.vk, pub: pub, leaf: grp[0].leaf}, nil
}

// nodeKeys memoizes the recursion-machine key pair per circuit
func (c *Controller) nodeKeys(circuit *recursion.Program, host *executor.Program) (*nodeKeys, error) {
	d := circuit.Digest()
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.keys[d]; ok {
		return k, nil
	}
	m := recursion.NewRecursionMachine(circuit)
	pk, vk, err := stark.Setup(c.cfg, m, host, c.log)
	if err != nil {
		return nil, err
	}
	k := &nodeKeys{pk: pk, vk: vk}
	c.keys[d] = k
	registerVK(host.Digest(), vk)
	return k, nil
}

// checkLeaves pins the leaf sequence shape before any proving starts:
// core shards chain, exactly the last one halts, and the deferred
// digest recorded by the halting shard matches the deferred leaves
func checkLeaves(leaves []Leaf) error {
	var cores, defs []Leaf
	for i, lf := range leaves {
		if lf.Proof == nil || lf.VK == nil {
			return &AggregationFault{Leaf: i, Cause: fmt.Errorf("nil leaf")}
		}
		if lf.Deferred {
			defs = append(defs, lf)
		} else {
			if len(defs) > 0 {
				return &AggregationFault{Leaf: i, Shard: lf.Proof.Public.Shard,
					Cause: fmt.Errorf("core shard after deferred leaves")}
			}
			cores = append(cores, lf)
		}
	}
	if len(cores) == 0 {
		return fmt.Errorf("aggregate: no core shards")
	}

	prog := cores[0].Proof.Public.ProgramDigest
	for i, lf := range cores {
		pv := lf.Proof.Public
		if pv.Shard != uint32(i) {
			return &AggregationFault{Leaf: i, Shard: pv.Shard,
				Cause: fmt.Errorf("core shard out of order, want %d", i)}
		}
		if pv.ProgramDigest != prog {
			return &AggregationFault{Leaf: i, Shard: pv.Shard,
				Cause: fmt.Errorf("program digest mismatch")}
		}
		if i == 0 {
			if pv.StartInputDigest != (common.Hash{}) || pv.StartOutputDigest != (common.Hash{}) {
				return &AggregationFault{Leaf: i, Shard: pv.Shard,
					Cause: fmt.Errorf("first shard IO chain not seeded empty")}
			}
		} else {
			prev := cores[i-1].Proof.Public
			if prev.NextPC != pv.StartPC || prev.NextStateDigest != pv.StartStateDigest {
				return &AggregationFault{Leaf: i, Shard: pv.Shard,
					Cause: fmt.Errorf("continuation break from shard %d", prev.Shard)}
			}
			if prev.InputDigest != pv.StartInputDigest || prev.OutputDigest != pv.StartOutputDigest {
				return &AggregationFault{Leaf: i, Shard: pv.Shard,
					Cause: fmt.Errorf("IO digest chain break from shard %d", prev.Shard)}
			}
		}
		if pv.Halted != (i == len(cores)-1) {
			return &AggregationFault{Leaf: i, Shard: pv.Shard,
				Cause: fmt.Errorf("halt flag out of place")}
		}
	}

	final := cores[len(cores)-1].Proof.Public.DeferredDigest
	if len(defs) == 0 {
		if final != (common.Hash{}) {
			return fmt.Errorf("aggregate: halting shard records deferred work but no deferred leaves given")
		}
		return nil
	}
	for j, lf := range defs {
		pv := lf.Proof.Public
		if pv.Shard != uint32(j) {
			return &AggregationFault{Leaf: len(cores) + j, Shard: pv.Shard,
				Cause: fmt.Errorf("deferred shard out of order, want %d", j)}
		}
		if pv.ProgramDigest != prog {
			return &AggregationFault{Leaf: len(cores) + j, Shard: pv.Shard,
				Cause: fmt.Errorf("program digest mismatch")}
		}
	}
	got := defs[len(defs)-1].Proof.Public.DeferredDigest
	if got != final {
		return &AggregationFault{Leaf: len(leaves) - 1, Shard: defs[len(defs)-1].Proof.Public.Shard,
			Cause: fmt.Errorf("deferred digest %x does not match halting shard %x", got, final)}
	}
	return nil
}

// CheckSeals replays the statement-seal chain of a reduce tree: every
// parent's output digest must commit to its children's public values
func CheckSeals(levels [][]executor.PublicValues, arity int) error {
	if len(levels) < 2 {
		return fmt.Errorf("aggregate: tree has no reduction levels")
	}
	if len(levels[len(levels)-1]) != 1 {
		return fmt.Errorf("aggregate: top level is not a single root")
	}
	for l := 0; l+1 < len(levels); l++ {
		children, parents := levels[l], levels[l+1]
		gi := 0
		for i := 0; i < len(children); i += arity {
			end := min(i+arity, len(children))
			if gi >= len(parents) {
				return fmt.Errorf("aggregate: level %d has too few nodes", l+1)
			}
			want := common.Hash(recursion.ReducedStatementDigest(children[i:end]))
			if parents[gi].OutputDigest != want {
				return fmt.Errorf("aggregate: seal mismatch at level %d node %d", l+1, gi)
			}
			gi++
		}
		if gi != len(parents) {
			return fmt.Errorf("aggregate: level %d has too many nodes", l+1)
		}
	}
	return nil
}

func summarize(leaves []Leaf, root *node) RootPublic {
	var last executor.PublicValues
	shards := uint32(0)
	for _, lf := range leaves {
		if !lf.Deferred {
			last = lf.Proof.Public
			shards++
		}
	}
	return RootPublic{
		ProgramDigest:  last.ProgramDigest,
		InputDigest:    last.InputDigest,
		OutputDigest:   last.OutputDigest,
		ExitCode:       last.ExitCode,
		ShardCount:     shards,
		DeferredDigest: last.DeferredDigest,
		VerifierDigest: root.pub.ProgramDigest,
	}
}

func chunk(nodes []*node, arity int) [][]*node {
	var out [][]*node
	for i := 0; i < len(nodes); i += arity {
		out = append(out, nodes[i:min(i+arity, len(nodes))])
	}
	return out
}

// Process-wide verifying-key registry, filled as reduction circuits are
// set up. Verification of a root proof needs the recursion vk behind
// its verifier digest; within one process the controller that produced
// the proof has already registered it.
var (
	vkMu  sync.RWMutex
	vkReg = map[common.Hash]*stark.VerifyingKey{}
)

func registerVK(d common.Hash, vk *stark.VerifyingKey) {
	vkMu.Lock()
	vkReg[d] = vk
	vkMu.Unlock()
}

// LookupVerifyingKey resolves a verifier digest recorded in a root
// proof to its recursion verifying key
func LookupVerifyingKey(d common.Hash) (*stark.VerifyingKey, bool) {
	vkMu.RLock()
	vk, ok := vkReg[d]
	vkMu.RUnlock()
	return vk, ok
}

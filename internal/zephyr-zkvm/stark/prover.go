package stark

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/chips"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/utils"
)

// ProvingKey holds the prover's setup state: the machine, the program,
// and per-height preprocessed commitments built lazily since the shard
// height is only known at trace time
type ProvingKey struct {
	Machine *chips.Machine
	Program *executor.Program

	cfg    Config
	hasher core.Hasher
	log    zerolog.Logger

	mu  sync.Mutex
	pre map[int]*RoundCommitment
}

// VerifyingKey pins the program digest and recomputes preprocessed
// roots on demand; the program is public, so the verifier rebuilds the
// fixed traces rather than trusting the prover's commitment
type VerifyingKey struct {
	Machine *chips.Machine
	Program *executor.Program

	cfg    Config
	hasher core.Hasher

	mu    sync.Mutex
	roots map[int][32]byte
}

// Setup validates the configuration and derives the key pair
func Setup(cfg Config, m *chips.Machine, prog *executor.Program, log zerolog.Logger) (*ProvingKey, *VerifyingKey, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := m.CheckDegrees(); err != nil {
		return nil, nil, err
	}
	hasher, err := core.HasherByName(cfg.Hasher)
	if err != nil {
		return nil, nil, err
	}
	pk := &ProvingKey{
		Machine: m, Program: prog, cfg: cfg, hasher: hasher,
		log: log.With().Str("machine", m.Name).Logger(),
		pre: make(map[int]*RoundCommitment),
	}
	vk := &VerifyingKey{
		Machine: m, Program: prog, cfg: cfg, hasher: hasher,
		roots: make(map[int][32]byte),
	}
	return pk, vk, nil
}

func buildPreprocessed(m *chips.Machine, prog *executor.Program, logH int, cfg Config, hasher core.Hasher) (*RoundCommitment, error) {
	pres := m.GeneratePreprocessed(prog, 1<<logH)
	return commitTraces(pres, cfg.LogBlowup, hasher)
}

// preprocessed returns the memoized fixed-trace commitment at the
// given height
func (pk *ProvingKey) preprocessed(logH int) (*RoundCommitment, error) {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	if rc, ok := pk.pre[logH]; ok {
		return rc, nil
	}
	rc, err := buildPreprocessed(pk.Machine, pk.Program, logH, pk.cfg, pk.hasher)
	if err != nil {
		return nil, err
	}
	pk.pre[logH] = rc
	return rc, nil
}

// Config returns the parameter set the key pair was derived with
func (vk *VerifyingKey) Config() Config {
	return vk.cfg
}

// PreRoot returns the preprocessed commitment root for a shard height
func (vk *VerifyingKey) PreRoot(logH int) ([32]byte, error) {
	vk.mu.Lock()
	defer vk.mu.Unlock()
	if r, ok := vk.roots[logH]; ok {
		return r, nil
	}
	rc, err := buildPreprocessed(vk.Machine, vk.Program, logH, vk.cfg, vk.hasher)
	if err != nil {
		return [32]byte{}, err
	}
	r := rc.Root()
	vk.roots[logH] = r
	return r, nil
}

// bindStatement absorbs everything the argument claims: the program
// identity, the shard height and the public values. Challenges sampled
// afterwards are bound to all of it.
func bindStatement(ch *Challenger, prog *executor.Program, logH int, pubs []core.Val) {
	ch.ObserveBytes32([32]byte(prog.Digest()))
	ch.Observe(core.NewVal(uint64(logH)))
	ch.Observe(pubs...)
}

// openTrace opens every column of a trace-domain table at z and g*z
func openTrace(t *chips.Table, z, gz core.Ext) ([]core.Ext, []core.Ext, error) {
	if t.Width == 0 {
		return nil, nil, nil
	}
	dom, err := core.NewDomain(utils.Log2(t.Height))
	if err != nil {
		return nil, nil, err
	}
	local := make([]core.Ext, t.Width)
	next := make([]core.Ext, t.Width)
	for c := 0; c < t.Width; c++ {
		coeffs, err := dom.Interpolate(t.Column(c))
		if err != nil {
			return nil, nil, err
		}
		local[c] = core.EvalPolyExt(coeffs, z)
		next[c] = core.EvalPolyExt(coeffs, gz)
	}
	return local, next, nil
}

func observeOpened(ch *Challenger, o *OpenedValues) {
	for i := range o.Chips {
		c := &o.Chips[i]
		ch.ObserveExt(c.PreLocal...)
		ch.ObserveExt(c.PreNext...)
		ch.ObserveExt(c.MainLocal...)
		ch.ObserveExt(c.MainNext...)
		ch.ObserveExt(c.AuxLocal...)
		ch.ObserveExt(c.AuxNext...)
	}
	ch.ObserveExt(o.Quotient...)
}

// Prove produces a shard proof for the execution record
func (pk *ProvingKey) Prove(rec *executor.ExecutionRecord) (*Proof, error) {
	cfg := pk.cfg
	m, prog := pk.Machine, pk.Program

	h := m.Height(prog, rec)
	logH := utils.Log2(h)
	logM := logH + cfg.LogBlowup
	pk.log.Debug().Int("log_height", logH).Uint32("shard", rec.Public.Shard).Msg("proving shard")

	pres := m.GeneratePreprocessed(prog, h)
	mains, err := m.GenerateMain(prog, rec, h)
	if err != nil {
		return nil, err
	}
	preC, err := pk.preprocessed(logH)
	if err != nil {
		return nil, err
	}
	mainC, err := commitTraces(mains, cfg.LogBlowup, pk.hasher)
	if err != nil {
		return nil, err
	}

	pubs := rec.Public.ToVals()
	ch := NewChallenger()
	bindStatement(ch, prog, logH, pubs)
	ch.ObserveBytes32(preC.Root())
	ch.ObserveBytes32(mainC.Root())

	alpha := ch.SampleExt()
	beta := ch.SampleExt()
	auxs, cums, err := m.GenerateAux(pres, mains, alpha, beta)
	if err != nil {
		return nil, err
	}
	if total := chips.TotalCumulative(cums); !total.IsZero() {
		return nil, fmt.Errorf("stark: interaction channels do not cancel, record is inconsistent")
	}
	auxC, err := commitTraces(auxs, cfg.LogBlowup, pk.hasher)
	if err != nil {
		return nil, err
	}
	ch.ObserveBytes32(auxC.Root())
	for _, cs := range cums {
		ch.ObserveExt(cs...)
	}

	alphaC := ch.SampleExt()
	quotLDE, chunkCols, err := computeQuotient(m, preC.Mats, mainC.Mats, auxC.Mats,
		pubs, alpha, beta, alphaC, cums, logH, cfg.LogBlowup)
	if err != nil {
		return nil, err
	}
	quotC, err := commitRound([]*chips.Table{quotLDE}, pk.hasher)
	if err != nil {
		return nil, err
	}
	ch.ObserveBytes32(quotC.Root())

	z := ch.SampleExt()
	traceDom, err := core.NewDomain(logH)
	if err != nil {
		return nil, err
	}
	var gz core.Ext
	gz.MulByBase(&z, &traceDom.Gen)

	opened := OpenedValues{Chips: make([]ChipOpenings, len(m.Chips))}
	for i := range m.Chips {
		pl, pn, err := openTrace(pres[i], z, gz)
		if err != nil {
			return nil, err
		}
		ml, mn, err := openTrace(mains[i], z, gz)
		if err != nil {
			return nil, err
		}
		al, an, err := openTrace(auxs[i], z, gz)
		if err != nil {
			return nil, err
		}
		opened.Chips[i] = ChipOpenings{
			PreLocal: pl, PreNext: pn,
			MainLocal: ml, MainNext: mn,
			AuxLocal: al, AuxNext: an,
		}
	}
	opened.Quotient = make([]core.Ext, len(chunkCols))
	for j, cc := range chunkCols {
		opened.Quotient[j] = core.EvalPolyExt(cc, z)
	}

	// the trace-domain tables are fully consumed once the openings are
	// computed; release them before the DEEP and FRI phases allocate
	pres, mains, auxs = nil, nil, nil

	observeOpened(ch, &opened)
	lambda := ch.SampleExt()

	cols := collectDeepColumns(&opened)
	mats := [numRounds][]*chips.Table{preC.Mats, mainC.Mats, auxC.Mats, quotC.Mats}
	codeword, err := proverDeepCodeword(cols, mats, z, gz, lambda, logM)
	if err != nil {
		return nil, err
	}

	fri, err := friCommit(codeword, cfg, pk.hasher, ch)
	if err != nil {
		return nil, err
	}
	// query answers come from the folded layers, not the DEEP codeword
	codeword = nil

	rounds := []*RoundCommitment{preC, mainC, auxC, quotC}
	halfM := 1 << (logM - 1)
	queries := make([]FRIQuery, cfg.NumQueries)
	for qi := range queries {
		idx := ch.SampleBits(logM)
		lo := idx % halfM
		hi := lo + halfM

		var q FRIQuery
		for _, rc := range rounds {
			opLo, err := rc.Open(lo)
			if err != nil {
				return nil, err
			}
			opHi, err := rc.Open(hi)
			if err != nil {
				return nil, err
			}
			q.Lo = append(q.Lo, opLo)
			q.Hi = append(q.Hi, opHi)
		}
		q.Steps, err = fri.querySteps(idx, logM)
		if err != nil {
			return nil, err
		}
		queries[qi] = q
	}

	return &Proof{
		LogHeight:  logH,
		Public:     rec.Public,
		PreRoot:    preC.Root(),
		MainRoot:   mainC.Root(),
		AuxRoot:    auxC.Root(),
		QuotRoot:   quotC.Root(),
		Cumulative: cums,
		Opened:     opened,
		FRI: FRIProof{
			Roots:     fri.roots,
			FinalPoly: fri.final,
			Queries:   queries,
		},
	}, nil
}

// Package cfg builds control-flow graphs of guest subroutines.
//
// A Builder discovers basic blocks breadth-first from an entry address,
// decoding one instruction word at a time until a branch, a supervisor call
// or an undefined instruction ends the block. Blocks discovered along
// different paths that share a tail are split so that no two blocks overlap.
//
// Usage:
//
//	b := cfg.NewBuilder(accessor)
//	blocks, root := b.DecodeSubroutine(entry)
package cfg

import (
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/sarchlab/armhle/insts"
)

// WordReader fetches instruction words from guest memory.
type WordReader interface {
	Fetch32(addr uint64) (uint32, error)
}

// Block is a basic block: a straight run of instructions ending in one
// terminator.
type Block struct {
	Start uint64 // address of the first instruction
	End   uint64 // address past the terminator

	Instructions []*insts.Instruction

	// Next is the fall-through successor, or nil.
	Next *Block
	// Branch is the taken successor of a direct branch, or nil.
	Branch *Block

	// Faulted is set when the terminator could not be fetched. Such a block
	// has no successors.
	Faulted bool
}

// Terminator returns the last instruction of the block.
func (b *Block) Terminator() *insts.Instruction {
	if len(b.Instructions) == 0 {
		return nil
	}
	return b.Instructions[len(b.Instructions)-1]
}

// Contains reports whether addr lies inside the block.
func (b *Block) Contains(addr uint64) bool {
	return addr >= b.Start && addr < b.End
}

func (b *Block) String() string {
	return fmt.Sprintf("[0x%X, 0x%X)", b.Start, b.End)
}

// Builder decodes subroutines into basic blocks.
//
// A Builder keeps no state between calls, but is only as safe for concurrent
// use as its WordReader.
type Builder struct {
	reader  WordReader
	decoder *insts.Decoder
	known   func(addr uint64) bool
	logger  logr.Logger
}

// BuilderOption is a functional option for configuring a Builder.
type BuilderOption func(*Builder)

// WithKnownSubroutine sets the predicate telling whether a call target has
// already been compiled. Calls to known subroutines fall through to the
// return address instead of branching into the callee.
func WithKnownSubroutine(known func(addr uint64) bool) BuilderOption {
	return func(b *Builder) {
		b.known = known
	}
}

// WithLogger sets the logger used for decode traces.
func WithLogger(logger logr.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates a builder that reads instruction words from reader.
func NewBuilder(reader WordReader, opts ...BuilderOption) *Builder {
	b := &Builder{
		reader:  reader,
		decoder: insts.NewDecoder(),
		known:   func(uint64) bool { return false },
		logger:  logr.Discard(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// DecodeSubroutine discovers every block reachable from entry through direct
// control flow. It returns the blocks sorted by start address together with
// the block starting at entry.
func (b *Builder) DecodeSubroutine(entry uint64) ([]*Block, *Block) {
	visited := make(map[uint64]*Block)
	visitedEnd := make(map[uint64]*Block)

	var queue []*Block

	enqueue := func(addr uint64) *Block {
		if blk, ok := visited[addr]; ok {
			return blk
		}

		blk := &Block{Start: addr}
		visited[addr] = blk
		queue = append(queue, blk)

		return blk
	}

	root := enqueue(entry)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		b.fill(current)
		b.link(current, enqueue)

		for {
			other, ok := visitedEnd[current.End]
			if !ok {
				break
			}

			longer, shorter := current, other
			if longer.Start > shorter.Start {
				longer, shorter = shorter, longer
			}

			splitTail(longer, shorter)
			visitedEnd[shorter.End] = shorter
			current = longer
		}

		visitedEnd[current.End] = current
	}

	return linearize(visited), root
}

// fill decodes instructions into blk until one ends the block.
func (b *Builder) fill(blk *Block) {
	addr := blk.Start

	for {
		inst, ok := b.decode(addr)
		blk.Instructions = append(blk.Instructions, inst)
		addr += 4

		if !ok {
			blk.Faulted = true
			break
		}
		if inst.IsTerminator() {
			break
		}
	}

	blk.End = addr

	b.logger.V(2).Info("decoded block",
		"start", fmt.Sprintf("0x%X", blk.Start),
		"end", fmt.Sprintf("0x%X", blk.End),
		"terminator", blk.Terminator().Op.String())
}

// decode fetches and decodes one word. A failed fetch yields an undefined
// instruction so that the fault surfaces when the guest reaches it.
func (b *Builder) decode(addr uint64) (*insts.Instruction, bool) {
	word, err := b.reader.Fetch32(addr)
	if err != nil {
		b.logger.V(1).Info("instruction fetch failed", "addr", fmt.Sprintf("0x%X", addr), "err", err.Error())

		return &insts.Instruction{
			Op:      insts.OpUnknown,
			Class:   insts.ClassUndefined,
			Address: addr,
		}, false
	}

	return b.decoder.DecodeAt(addr, word), true
}

// link wires the successors of a filled block.
func (b *Builder) link(blk *Block, enqueue func(uint64) *Block) {
	if blk.Faulted {
		return
	}

	last := blk.Terminator()

	switch last.Class {
	case insts.ClassBranch:
		blk.Branch = enqueue(last.Target())
	case insts.ClassCondBranch:
		blk.Branch = enqueue(last.Target())
		blk.Next = enqueue(blk.End)
	case insts.ClassCall:
		if b.known(last.Target()) {
			blk.Next = enqueue(blk.End)
		} else {
			blk.Branch = enqueue(last.Target())
		}
	case insts.ClassIndirect:
		// Targets are only known at run time.
	default:
		blk.Next = enqueue(blk.End)
	}
}

// splitTail truncates longer so that it ends where shorter starts and falls
// through into it. Both blocks end at the same address on entry.
func splitTail(longer, shorter *Block) {
	keep := len(longer.Instructions) - len(shorter.Instructions)

	longer.End = shorter.Start
	longer.Instructions = longer.Instructions[:keep:keep]
	longer.Next = shorter
	longer.Branch = nil
	longer.Faulted = false
}

// linearize orders blocks by repeatedly taking the lowest remaining start
// address and following its fall-through chain.
func linearize(visited map[uint64]*Block) []*Block {
	remaining := make(map[uint64]*Block, len(visited))
	for addr, blk := range visited {
		remaining[addr] = blk
	}

	graph := make([]*Block, 0, len(visited))

	for len(remaining) > 0 {
		first := ^uint64(0)
		for addr := range remaining {
			first = min(first, addr)
		}

		for blk := remaining[first]; blk != nil; blk = blk.Next {
			if _, ok := remaining[blk.Start]; !ok {
				break
			}

			graph = append(graph, blk)
			delete(remaining, blk.Start)
		}
	}

	return graph
}

// Fprint writes a listing of blocks with their disassembly.
func Fprint(w io.Writer, blocks []*Block, root *Block) error {
	var err error

	printf := func(format string, args ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}

	for _, blk := range blocks {
		marker := ""
		if blk == root {
			marker = " (root)"
		}

		printf("block %s%s\n", blk, marker)

		for _, inst := range blk.Instructions {
			printf("  0x%08X  %08x  %s\n", inst.Address, inst.Word, inst)
		}

		if blk.Next != nil {
			printf("  next   -> 0x%X\n", blk.Next.Start)
		}
		if blk.Branch != nil {
			printf("  branch -> 0x%X\n", blk.Branch.Start)
		}
	}

	return err
}

package bytecode

// Block is a straight-line run of instructions with a single entry.
type Block struct {
	ID       int
	Ops      []*Instruction
	Incoming []*Block
	Outgoing []*Block
}

// First returns the block's first instruction.
func (b *Block) First() *Instruction {
	return b.Ops[0]
}

// Last returns the block's last instruction.
func (b *Block) Last() *Instruction {
	return b.Ops[len(b.Ops)-1]
}

func (b *Block) connect(to *Block) {
	for _, o := range b.Outgoing {
		if o == to {
			return
		}
	}
	b.Outgoing = append(b.Outgoing, to)
	to.Incoming = append(to.Incoming, b)
}

// ComputeOrder splits code into blocks and orders them so every block
// comes after its forward predecessors (reverse post-order). Unreachable
// blocks are appended in code order.
func ComputeOrder(code *Code) []*Block {
	ops := code.Instructions
	if len(ops) == 0 {
		return nil
	}

	starts := make([]bool, len(ops)+1)
	starts[0] = true
	for _, op := range ops {
		if op.Target >= 0 {
			starts[op.Target] = true
		}
		if op.BlockTarget >= 0 {
			starts[op.BlockTarget] = true
		}
		if op.Op.EndsBlock() {
			starts[op.Index+1] = true
		}
	}

	var blocks []*Block
	byStart := make(map[int]*Block)
	var cur *Block
	for i, op := range ops {
		if starts[i] {
			cur = &Block{ID: len(blocks)}
			blocks = append(blocks, cur)
			byStart[i] = cur
		}
		cur.Ops = append(cur.Ops, op)
	}

	for _, b := range blocks {
		last := b.Last()
		// Jump targets are visited first so that fall-through code (a try
		// body, a loop body) is ordered before the code it jumps to.
		if last.Target >= 0 {
			b.connect(byStart[last.Target])
		}
		if last.BlockTarget >= 0 {
			b.connect(byStart[last.BlockTarget])
		}
		if last.Op.CarriesOnToNext() && last.Next >= 0 {
			b.connect(byStart[last.Next])
		}
	}

	visited := make(map[*Block]bool, len(blocks))
	var post []*Block
	var visit func(b *Block)
	visit = func(b *Block) {
		visited[b] = true
		for _, next := range b.Outgoing {
			if !visited[next] {
				visit(next)
			}
		}
		post = append(post, b)
	}
	visit(blocks[0])

	order := make([]*Block, 0, len(blocks))
	for i := len(post) - 1; i >= 0; i-- {
		order = append(order, post[i])
	}
	for _, b := range blocks {
		if !visited[b] {
			order = append(order, b)
		}
	}
	return order
}

package insts

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// String returns the instruction in ARM assembly syntax.
func (i *Instruction) String() string {
	switch i.Op {
	case OpUDF:
		return fmt.Sprintf("UDF #%d", i.Imm)
	case OpB, OpBL, OpBCond, OpCBZ, OpCBNZ, OpTBZ, OpTBNZ:
		// arm64asm prints PC-relative targets; show the absolute one.
		asm, err := arm64asm.Decode(wordBytes(i.Word))
		if err != nil {
			break
		}
		return fmt.Sprintf("%s ; 0x%X", asm.String(), i.Target())
	}

	asm, err := arm64asm.Decode(wordBytes(i.Word))
	if err != nil {
		return fmt.Sprintf(".inst 0x%08x", i.Word)
	}

	return asm.String()
}

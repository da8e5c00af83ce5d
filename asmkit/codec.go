package asmkit

// NewCodec returns a Codec that assembles with an Assembler and
// decodes with an Intel syntax Disassembler.
func NewCodec() *Codec {
	dis, _ := NewDisassembler(DisassemblerConfig{Syntax: IntelSyntax})

	return &Codec{
		asm: NewAssembler(),
		dis: dis,
	}
}

// Codec compiles instruction text and decodes instruction lengths
// for the hook package.
type Codec struct {
	asm *Assembler
	dis *Disassembler
}

func (o *Codec) Compile(text string, addr uintptr) ([]byte, error) {
	return o.asm.Compile(text, addr)
}

func (o *Codec) DecodeLength(b []byte, addr uintptr) (int, string, error) {
	return o.dis.DecodeLength(b, addr)
}

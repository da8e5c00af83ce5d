package asmkit_test

import (
	"encoding/hex"
	"fmt"
	"log"

	"gitlab.com/stephen-fox/hookkit/asmkit"
)

func ExampleDisassembler() {
	bin, err := hex.DecodeString("4831c0ffc0c3")
	if err != nil {
		log.Fatalf("failed to decode hex - %v", err)
	}

	disass, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{
		Syntax: asmkit.IntelSyntax,
	})
	if err != nil {
		log.Fatalf("failed to create disassembler - %v", err)
	}

	err = disass.All(bin, 0x140001000, func(inst asmkit.Inst) error {
		fmt.Printf("%d: %s\n", inst.Index, inst.Dis)
		return nil
	})
	if err != nil {
		log.Fatalf("disassembler failed - %v", err)
	}

	// Output:
	// 0: xor rax, rax
	// 3: inc eax
	// 5: ret
}

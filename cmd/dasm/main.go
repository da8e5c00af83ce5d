package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"gitlab.com/stephen-fox/hookkit/asmkit"
	"gitlab.com/stephen-fox/hookkit/conv"
	"gitlab.com/stephen-fox/hookkit/internal/config"
	"gitlab.com/stephen-fox/hookkit/memory"
	"gitlab.com/stephen-fox/hookkit/vmem"
)

const (
	asmSyntaxArg    = "s"
	inputFormatArg  = "i"
	outputFormatArg = "o"
	pidArg          = "pid"
	addrArg         = "a"
	sizeArg         = "n"
	helpArg         = "h"

	intelSyntax = "intel"
	attSyntax   = "att"
	goSyntax    = "go"

	hexFormat = "hex"
	rawFormat = "raw"
	b64Format = "b64"

	prettyFormat      = "pretty"
	jsonDisassFormat  = "json"
	jsonVerboseFormat = "jsonv"
	goFormat          = "go"
	hookFormat        = "hook"

	appName = "dasm"
	usage   = appName + `
DESCRIPTION
  Disassembles x86-64 instructions read from stdin or from the memory of
  a running process. Use it to check how many bytes a hook at an address
  will displace before writing one.

USAGE
  ` + appName + ` [options] < some-file
  ` + appName + ` -` + pidArg + ` PID -` + addrArg + ` ADDRESS [options]

EXAMPLES
  Disassemble hex encoded instructions:
    $ echo "4831c0 ffc0 c3" | ` + appName + `
    xor rax, rax
    inc eax
    ret

  Disassemble 32 bytes of a running process into a Go []byte:
    $ ` + appName + ` -` + pidArg + ` 4242 -` + addrArg + ` 0x140012A30 -` + sizeArg + ` 32 -` + outputFormatArg + ` ` + goFormat + `

  Show what a hook at an address would overwrite:
    $ ` + appName + ` -` + pidArg + ` 4242 -` + addrArg + ` 0x140012A30 -` + outputFormatArg + ` ` + hookFormat + `
    0x140012A30  81c178563412                   add ecx, 0x12345678
    displaced: 6 bytes (1 nop padding)

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	help := flag.Bool(
		helpArg,
		false,
		"Display this information")

	inputFormat := flag.String(
		inputFormatArg,
		hexFormat,
		fmt.Sprintf("The stdin data format ('%s', '%s', '%s')", hexFormat, rawFormat, b64Format))

	outputFormat := flag.String(
		outputFormatArg,
		prettyFormat,
		fmt.Sprintf("The output format ('%s', '%s', '%s', '%s', '%s', '%s', '%s')",
			prettyFormat, hexFormat, b64Format, jsonDisassFormat, jsonVerboseFormat, goFormat, hookFormat))

	syntax := flag.String(
		asmSyntaxArg,
		intelSyntax,
		fmt.Sprintf("The desired assembly syntax ('%s', '%s', '%s')", intelSyntax, attSyntax, goSyntax))

	pid := flag.Int(
		pidArg,
		0,
		"Read instructions from this process instead of stdin")

	addrStr := flag.String(
		addrArg,
		"",
		"The address to read instructions from (requires -"+pidArg+")")

	size := flag.Int(
		sizeArg,
		64,
		"The number of bytes to read from the process")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	disassembler, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{
		Syntax: asmkit.DisassemblySyntax(*syntax),
	})
	if err != nil {
		return fmt.Errorf("failed to create new decoder - %w", err)
	}

	var binaryInsts []byte
	var startAddr uintptr

	if *addrStr != "" {
		startAddr, err = conv.ParseAddress(*addrStr)
		if err != nil {
			return fmt.Errorf("failed to parse address - %w", err)
		}

		binaryInsts, err = readProcess(*pid, startAddr, *size)
	} else {
		binaryInsts, err = readStdin(*inputFormat)
	}
	if err != nil {
		return err
	}

	output := bytes.NewBuffer(nil)
	var writer instWriter

	switch *outputFormat {
	case prettyFormat:
		writer = &disassWriter{
			w:         output,
			addresses: *addrStr != "",
		}
	case hexFormat:
		writer = &encoderWriter{
			encoder: nopCloser{Writer: hex.NewEncoder(output)},
			w:       output,
		}
	case b64Format:
		writer = &encoderWriter{
			encoder: base64.NewEncoder(base64.StdEncoding, output),
			w:       output,
		}
	case jsonDisassFormat:
		writer = &jsonWriter{
			w: output,
		}
	case jsonVerboseFormat:
		writer = &jsonWriter{
			verbose: true,
			w:       output,
		}
	case goFormat:
		writer = &goByteSliceWriter{
			w:         output,
			addresses: *addrStr != "",
		}
	case hookFormat:
		writer = &hookSizeWriter{
			w: output,
		}
	default:
		return fmt.Errorf("unsupported output format: %q",
			*outputFormat)
	}

	err = disassembler.All(binaryInsts, startAddr, func(inst asmkit.Inst) error {
		return writer.Write(inst)
	})
	if err != nil {
		// Reads from a process usually end mid-instruction.
		if *addrStr == "" {
			return fmt.Errorf("failed to decode instructions - %w", err)
		}

		log.Printf("warning: %s", err)
	}

	err = writer.Flush()
	if err != nil {
		return fmt.Errorf("failed to write remaining data to output - %w", err)
	}

	_, err = io.Copy(os.Stdout, output)
	if err != nil {
		return err
	}

	return nil
}

func readProcess(pid int, addr uintptr, size int) ([]byte, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}

	if pid == 0 {
		pid = cfg.PID
	}

	if pid == 0 {
		return nil, errors.New("please specify a process ID")
	}

	proc, err := vmem.Open(pid, vmem.RightsVMRead|vmem.RightsQueryInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open process %d - %w", pid, err)
	}
	defer proc.Close()

	b, err := memory.Read(proc, addr, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read %d bytes at 0x%x - %w", size, addr, err)
	}

	return b, nil
}

func readStdin(inputFormat string) ([]byte, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin - %w", err)
	}

	var binaryInsts []byte

	switch inputFormat {
	case b64Format:
		binaryInsts, err = base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	case hexFormat:
		binaryInsts, err = decodeHex(string(data))
	case rawFormat:
		binaryInsts = data
	default:
		err = fmt.Errorf("unknown input format: %q", inputFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %q instructions - %w", inputFormat, err)
	}

	return binaryInsts, nil
}

// decodeHex accepts hex with optional "0x" or "\x" prefixes, commas,
// and whitespace between bytes.
func decodeHex(s string) ([]byte, error) {
	s = strings.NewReplacer("0x", "", "\\x", "", ",", "").Replace(s)

	return hex.DecodeString(strings.Join(strings.Fields(s), ""))
}

type instWriter interface {
	Write(asmkit.Inst) error
	Flush() error
}

var _ instWriter = (*disassWriter)(nil)

type disassWriter struct {
	w         io.Writer
	addresses bool
}

func (o *disassWriter) Write(inst asmkit.Inst) error {
	if o.addresses {
		_, err := fmt.Fprintf(o.w, "0x%X  %-30x %s\n", inst.Address, inst.Bin, inst.Dis)
		return err
	}

	_, err := fmt.Fprintln(o.w, inst.Dis)
	return err
}

func (o *disassWriter) Flush() error {
	return nil
}

var _ instWriter = (*encoderWriter)(nil)

// encoderWriter re-encodes the decoded bytes, which drops any
// trailing partial instruction.
type encoderWriter struct {
	encoder io.WriteCloser
	w       io.Writer
}

func (o *encoderWriter) Write(inst asmkit.Inst) error {
	_, err := o.encoder.Write(inst.Bin)
	return err
}

func (o *encoderWriter) Flush() error {
	err := o.encoder.Close()
	if err != nil {
		return err
	}

	_, err = o.w.Write([]byte{'\n'})
	return err
}

// nopCloser adapts encoders, like hex's, that buffer nothing.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}

var _ instWriter = (*jsonWriter)(nil)

type jsonWriter struct {
	verbose bool
	w       io.Writer
	insts   []asmkit.Inst
}

func (o *jsonWriter) Write(inst asmkit.Inst) error {
	o.insts = append(o.insts, inst)
	return nil
}

func (o *jsonWriter) Flush() error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")

	if o.verbose {
		return enc.Encode(o.insts)
	}

	dis := make([]string, len(o.insts))
	for i, inst := range o.insts {
		dis[i] = inst.Dis
	}

	return enc.Encode(dis)
}

var _ instWriter = (*goByteSliceWriter)(nil)

type goByteSliceWriter struct {
	w         io.Writer
	addresses bool
	started   bool
}

func (o *goByteSliceWriter) Write(inst asmkit.Inst) error {
	if !o.started {
		o.started = true

		_, err := io.WriteString(o.w, "[]byte{\n")
		if err != nil {
			return err
		}
	}

	line := strings.Builder{}
	line.WriteByte('\t')

	for _, b := range inst.Bin {
		fmt.Fprintf(&line, "0x%02x, ", b)
	}

	line.WriteString("// ")
	if o.addresses {
		fmt.Fprintf(&line, "0x%X: ", inst.Address)
	}
	line.WriteString(inst.Dis)
	line.WriteByte('\n')

	_, err := io.WriteString(o.w, line.String())
	return err
}

func (o *goByteSliceWriter) Flush() error {
	if !o.started {
		return nil
	}

	_, err := io.WriteString(o.w, "}\n")
	return err
}

var _ instWriter = (*hookSizeWriter)(nil)

// hookSizeWriter reports the instructions a 5-byte jmp written at
// the first address would overwrite.
type hookSizeWriter struct {
	w     io.Writer
	size  int
	insts []asmkit.Inst
}

func (o *hookSizeWriter) Write(inst asmkit.Inst) error {
	if o.size >= asmkit.JmpRel32Len {
		return nil
	}

	o.size += inst.Len
	o.insts = append(o.insts, inst)

	return nil
}

func (o *hookSizeWriter) Flush() error {
	if o.size < asmkit.JmpRel32Len {
		return fmt.Errorf("only %d bytes of instructions decoded, a jmp needs %d",
			o.size, asmkit.JmpRel32Len)
	}

	for _, inst := range o.insts {
		_, err := fmt.Fprintf(o.w, "0x%X  %-30x %s\n", inst.Address, inst.Bin, inst.Dis)
		if err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(o.w, "displaced: %d bytes (%d nop padding)\n",
		o.size, o.size-asmkit.JmpRel32Len)
	return err
}

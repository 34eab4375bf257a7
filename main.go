// Package main provides the entry point for armhle.
// armhle is a user-mode ARM64 emulation core with a software MMU.
//
// For the full CLI, use: go run ./cmd/armhle
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("armhle - ARM64 user-mode emulator")
	fmt.Println("")
	fmt.Println("Usage: armhle [options] <program.elf>")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -config     Path to process configuration JSON file")
	fmt.Println("  -v          Log verbosity")
	fmt.Println("  -cfg        Print the control-flow graph of the entry subroutine")
	fmt.Println("  -legacy     Read zero from unmapped low addresses")
	fmt.Println("  -max-insts  Per-thread instruction limit")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/armhle' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/armhle' instead.")
	}
}

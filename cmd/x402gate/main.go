package main

import "github.com/x402gate/x402/internal/cmd"

func main() {
	cmd.Execute()
}

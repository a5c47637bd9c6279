package main

import "github.com/3rs4lg4d0/ledgerbox/internal/cli"

func main() {
	cli.Execute()
}

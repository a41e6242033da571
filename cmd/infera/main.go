package main

import "github.com/funvibe/infera/pkg/cli"

func main() {
	cli.Main()
}

package main

import "rebase-policy/internal/cli"

func main() {
	cli.Execute()
}

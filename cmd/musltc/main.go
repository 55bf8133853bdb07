package main

import "musltc/internal/cli"

func main() {
	cli.Main()
}

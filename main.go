package main

import "shaderkit/internal/cli"

func main() {
	cli.Main()
}

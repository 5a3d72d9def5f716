package main

import "github.com/testroom-dev/testroom/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/buoyantio/mutated/cmd"

func main() {
	cmd.Execute()
}

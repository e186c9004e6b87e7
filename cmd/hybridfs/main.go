package main

import "github.com/aweris/hybridfs/cmd/hybridfs/cmd"

func main() {
	cmd.Execute()
}

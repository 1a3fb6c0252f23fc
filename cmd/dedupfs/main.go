package main

import "github.com/aweris/dedupfs/cmd/dedupfs/cmd"

func main() {
	cmd.Execute()
}

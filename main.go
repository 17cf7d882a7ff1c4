package main

import "github.com/agentic-research/nodecache/cmd"

func main() {
	cmd.Execute()
}

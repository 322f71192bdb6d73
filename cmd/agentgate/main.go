package main

import "github.com/Agent-Gate/agentgate/cmd/agentgate/cmd"

func main() {
	cmd.Execute()
}

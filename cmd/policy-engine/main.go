package main

import "github.com/llm-dev-ops/policy-engine/cmd/policy-engine/cmd"

func main() {
	cmd.Execute()
}

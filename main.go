package main

import "github.com/llmgate/llmgate/cmd"

func main() {
	cmd.Execute()
}

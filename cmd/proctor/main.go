// Command proctor administers governed proficiency tests to LLM personas.
package main

import "github.com/opencode-ai/proctor/internal/cli"

func main() {
	cli.Execute()
}

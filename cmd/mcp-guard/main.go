// Command mcp-guard runs the authorization gateway for Model Context
// Protocol tool invocations: a cache-backed policy decision point plus a
// decision audit sink.
package main

import "github.com/mcp-guard/mcp-guard/cmd/mcp-guard/cmd"

func main() {
	cmd.Execute()
}

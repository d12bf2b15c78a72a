// Command mcpmux is the multi-tenant MCP orchestrating proxy.
package main

import "github.com/mcpmux/mcpmux/cmd/mcpmux/cmd"

func main() {
	cmd.Execute()
}

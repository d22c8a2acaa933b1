// Command keyagent runs the device-backed SSH key agent and its management commands.
package main

import "github.com/turtacn/keyagent/cmd/cli"

func main() {
	cli.Execute()
}

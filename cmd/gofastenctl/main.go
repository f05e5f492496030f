// Gofastenctl -- CLI client for the gofasten controller simulator.
package main

import "github.com/dantte-lp/gofasten/cmd/gofastenctl/commands"

func main() {
	commands.Execute()
}

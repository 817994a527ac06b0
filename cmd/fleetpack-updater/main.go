package main

import "github.com/fleetpack/fleetpack/cmd/fleetpack-updater/cmd"

func main() {
	cmd.Execute()
}

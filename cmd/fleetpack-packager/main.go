package main

import "github.com/fleetpack/fleetpack/cmd/fleetpack-packager/cmd"

func main() {
	cmd.Execute()
}

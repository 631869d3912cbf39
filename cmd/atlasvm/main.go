package main

import "github.com/geometryos/atlasvm/cmd/atlasvm/cmd"

func main() {
	cmd.Execute()
}

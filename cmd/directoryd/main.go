package main

import "github.com/isometry/directoryd/cmd/directoryd/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/stellarr/stellarr/cmd/stellarr/cmd"

func main() {
	cmd.Execute()
}

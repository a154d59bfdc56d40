package main

import "github.com/akarasulu/cachefs/cmd/cachefsd/cmd"

func main() {
	cmd.Execute()
}

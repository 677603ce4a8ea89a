package main

import "github.com/jmcleod/trustline/cmd/trustline/cmd"

func main() {
	cmd.Execute()
}

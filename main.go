package main

import "github.com/pebl-systems/peblsync/cmd"

func main() {
	cmd.Execute()
}

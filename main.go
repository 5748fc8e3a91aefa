package main

import "github.com/vendortools/miscwriter/cmd"

func main() {
	cmd.Execute()
}

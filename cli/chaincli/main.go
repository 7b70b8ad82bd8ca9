package main

import "github.com/frankonly/auditchain/cli"

func main() {
	cli.Execute()
}

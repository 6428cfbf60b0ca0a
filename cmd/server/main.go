package main

import "fmsdesk/cmd/cli"

func main() {
	cli.Execute()
}

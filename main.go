package main

import "platform-sync/cli"

func main() {
	cli.Execute()
}

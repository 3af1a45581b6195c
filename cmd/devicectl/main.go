package main

import "device-control/internal/cli"

func main() {
	cli.Execute()
}

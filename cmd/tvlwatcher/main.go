package main

import "tvl-threshold-alerts/internal/cli"

func main() {
	cli.Execute()
}

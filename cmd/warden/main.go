package main

import "github.com/ludia8888/warden/internal/cli"

func main() {
	cli.Execute()
}

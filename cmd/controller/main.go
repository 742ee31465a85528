package main

import "github.com/danielpatrickdp/turn-governor/internal/cli"

func main() {
	cli.Execute()
}

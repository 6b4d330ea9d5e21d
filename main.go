package main

import "github.com/big14way/Bastion-sub002/internal/cli"

func main() {
	cli.Execute()
}

package main

import (
	"github.com/lemmego/gcap/cmd/gcap/commands"
)

func main() {
	commands.Execute()
}

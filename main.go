package main

import "github.com/arcward/osubot/cmd"

func main() {
	cmd.Execute()
}

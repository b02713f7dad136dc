package main

import "github.com/mcplens/mcplens/cmd/mcplens/cmd"

func main() {
	cmd.Execute()
}

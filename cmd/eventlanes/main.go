package main

import "github.com/Togather-Foundation/eventlanes/cmd/eventlanes/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/stl311/stl311sync/cmd"

func main() {
	cmd.Execute()
}

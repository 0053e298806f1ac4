package main

import "github.com/kiesman99/untile/cmd"

func main() {
	cmd.Execute()
}

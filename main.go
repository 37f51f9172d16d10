package main

import "barista/cmd"

func main() {
	cmd.Execute()
}

package main

import "wynnbridge/cmd"

func main() {
	cmd.Execute()
}

package main

import "loopdrop/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/JakeFAU/linkcheck/cmd"

func main() {
	cmd.Execute()
}

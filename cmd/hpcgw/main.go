package main

import "github.com/JakeFAU/hpc-gateway/cmd"

func main() {
	cmd.Execute()
}

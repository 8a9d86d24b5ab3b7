package main

import "github.com/jake-scott/nest-bridge/cmd"

func main() {
	cmd.Execute()
}

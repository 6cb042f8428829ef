package main

import "taskvisor/cmd"

func main() {
	cmd.Run()
}

package main

import "github.com/ThinkParQ/beegfs-sub020/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/nextlevelbuilder/tgmirror/cmd"

func main() {
	cmd.Execute()
}

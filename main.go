package main

import "github.com/nextlevelbuilder/devbot/cmd"

func main() {
	cmd.Execute()
}

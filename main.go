package main

import "github.com/Maximooch/penguin/cmd"

func main() {
	cmd.Execute()
}

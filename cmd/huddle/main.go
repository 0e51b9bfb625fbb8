package main

import "github.com/lalith-99/huddle/internal/cli"

func main() {
	cli.Execute()
}

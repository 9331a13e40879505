package main

import "github.com/qmigo/qmigo/cmd/qmictl/cmd"

func main() {
	cmd.Execute()
}

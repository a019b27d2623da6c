package main

import (
	"github.com/dawsonlp/localport/cmd"
	"github.com/dawsonlp/localport/internal/version"
)

func main() {
	cmd.SetVersion(version.Version)
	cmd.Execute()
}

package main

import (
	"github.com/dtrain-org/dtrain/internal/build"
	"github.com/dtrain-org/dtrain/internal/cmd"
)

var version = "dev"

func init() {
	build.Version = version
}

func main() {
	cmd.Execute()
}

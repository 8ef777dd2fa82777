package main

import (
	"os"

	"github.com/md-rashed-zaman/eventpipe/tools/dlq-tool/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

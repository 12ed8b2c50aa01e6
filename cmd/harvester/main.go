package main

import "github.com/jiang10061/image-downloader/cmd"

func main() {
	cmd.Execute()
}

// Command backsyncd serves in-memory Backsync models over websocket and framed TCP.
package main

import "os"

func main() {
	os.Exit(run(ParseFlags(os.Args[1:])))
}

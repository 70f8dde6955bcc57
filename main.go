// Command sentrywatch is the process entry point: it delegates to the
// cobra command tree in cmd/.
package main

import "github.com/nextlevelbuilder/sentrywatch/cmd"

func main() {
	cmd.Execute()
}

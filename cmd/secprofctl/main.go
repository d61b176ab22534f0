// secprofctl -- operator CLI for hostapd control sockets.
package main

import "github.com/Start9Labs/startwrt/cmd/secprofctl/commands"

func main() {
	commands.Execute()
}

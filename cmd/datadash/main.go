// Command datadash discovers LAN peers and sends or receives files.
package main

func main() {
	Execute()
}

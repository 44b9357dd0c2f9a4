// Command client is the terminal chat client.
package main

func main() {
	Execute()
}

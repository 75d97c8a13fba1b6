// Command orders-admin runs schema migrations, declares the broker topology
// and inspects the outbox.
package main

func main() {
	Execute()
}
